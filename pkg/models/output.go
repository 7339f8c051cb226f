package models

// RegisteredOutput is a mixed output submitted over the Bob connection.
// It carries no peer linkage by design — the unlinkability invariant
// requires that no query or log ever joins this table with Alice.
type RegisteredOutput struct {
	RoundID RoundID
	Output  PrevOutput

	// Sig is the unblinded Schnorr signature by the coordinator's
	// per-round key over Output, produced by the Alice that owned the
	// corresponding blind signature.
	Sig []byte
}
