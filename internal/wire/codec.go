// Package wire implements the coordinator's framed message protocol:
// a 16-bit big-endian length prefix, a 16-bit message-type tag, then a
// JSON-encoded, type-specific body.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameLen is the largest value a uint16 length prefix can carry.
const maxFrameLen = 1<<16 - 1

// Type tags the message-specific body that follows.
type Type uint16

const (
	TypeAskNonce Type = iota + 1
	TypeNonceMessage
	TypeAskMixDetails
	TypeMixDetails
	TypeRegisterInputs
	TypeBlindedSig
	TypeBobMessage
	TypeAck
	TypeUnsignedPsbt
	TypeSignedPsbt
	TypeRestartRound
	TypeRoundFailed
)

func (t Type) String() string {
	switch t {
	case TypeAskNonce:
		return "AskNonce"
	case TypeNonceMessage:
		return "NonceMessage"
	case TypeAskMixDetails:
		return "AskMixDetails"
	case TypeMixDetails:
		return "MixDetails"
	case TypeRegisterInputs:
		return "RegisterInputs"
	case TypeBlindedSig:
		return "BlindedSig"
	case TypeBobMessage:
		return "BobMessage"
	case TypeAck:
		return "Ack"
	case TypeUnsignedPsbt:
		return "UnsignedPsbtMessage"
	case TypeSignedPsbt:
		return "SignedPsbtMessage"
	case TypeRestartRound:
		return "RestartRoundMessage"
	case TypeRoundFailed:
		return "RoundFailedMessage"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// WriteMessage frames v as: uint16(2+len(body)) || uint16(msgType) || body.
func WriteMessage(w io.Writer, msgType Type, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal %s body: %w", msgType, err)
	}

	frameLen := 2 + len(body)
	if frameLen > maxFrameLen {
		return fmt.Errorf("wire: %s body too large (%d bytes)", msgType, len(body))
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint16(header[0:2], uint16(frameLen))
	binary.BigEndian.PutUint16(header[2:4], uint16(msgType))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("wire: write body: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message and returns its type tag and raw
// (still JSON-encoded) body, for the caller to unmarshal based on type.
func ReadMessage(r io.Reader) (Type, []byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	frameLen := binary.BigEndian.Uint16(lenBuf[:])
	if frameLen < 2 {
		return 0, nil, fmt.Errorf("wire: frame length %d too small for a type tag", frameLen)
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame body: %w", err)
	}

	msgType := Type(binary.BigEndian.Uint16(frame[0:2]))
	return msgType, frame[2:], nil
}

// Decode unmarshals a message body read by ReadMessage into v.
func Decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: decode body: %w", err)
	}
	return nil
}
