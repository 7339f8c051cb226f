package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	nonce := MixDetails{
		Version:   1,
		Amount:    100_000,
		MixFee:    500,
		InputFee:  1490,
		OutputFee: 430,
		PublicKey: []byte{0x02, 0x01, 0x02, 0x03},
		Time:      1234,
	}

	if err := WriteMessage(&buf, TypeMixDetails, nonce); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	msgType, body, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != TypeMixDetails {
		t.Fatalf("expected TypeMixDetails, got %s", msgType)
	}

	var got MixDetails
	if err := Decode(body, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Amount != nonce.Amount || got.MixFee != nonce.MixFee {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, nonce)
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteMessage(&buf, TypeAck, Ack{}); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(&buf, TypeRoundFailed, RoundFailedMessage{Reason: "timeout"}); err != nil {
		t.Fatal(err)
	}

	t1, _, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if t1 != TypeAck {
		t.Fatalf("expected first frame TypeAck, got %s", t1)
	}

	t2, body, err := ReadMessage(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if t2 != TypeRoundFailed {
		t.Fatalf("expected second frame TypeRoundFailed, got %s", t2)
	}
	var rf RoundFailedMessage
	if err := Decode(body, &rf); err != nil {
		t.Fatal(err)
	}
	if rf.Reason != "timeout" {
		t.Fatalf("expected reason %q, got %q", "timeout", rf.Reason)
	}
}

func TestReadMessageShortStreamErrors(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0x00})
	if _, _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error on truncated length prefix")
	}
}
