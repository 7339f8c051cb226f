package models

import "time"

// BannedUTXO outlives rounds and is consulted on every input admission.
type BannedUTXO struct {
	Outpoint    Outpoint
	BannedUntil time.Time
	Reason      string
}

// Active reports whether the ban is still in effect at t.
func (b BannedUTXO) Active(t time.Time) bool {
	return t.Before(b.BannedUntil)
}

// Ban reasons, recorded for operator visibility on the ban-list endpoint.
const (
	BanReasonBadInput        = "bad_input"
	BanReasonInvalidSignature = "invalid_signature"
)
