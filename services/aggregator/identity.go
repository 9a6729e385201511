package aggregator

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashIdentity derives the one-way participant identity hash carried through
// the pipeline and into merkle leaves. The raw identity never leaves the
// ingestion edge; everything downstream sees only this hex digest.
func HashIdentity(identity string) string {
	sum := blake3.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}
