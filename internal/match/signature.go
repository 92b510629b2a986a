package match

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// signaturePrecision is the number of decimal digits kept before hashing.
const signaturePrecision = 1000

// SignatureID is a coarse key for "the same face" across consecutive frames.
type SignatureID uint64

// Signature rounds every component to 3 decimals (halves to even) and hashes
// the rounded sequence in order. Embeddings that are identical after rounding always
// share an ID; distinct but numerically close faces may collide.
func Signature(embedding []float64) SignatureID {
	d := xxhash.New()
	var buf [8]byte
	for _, v := range embedding {
		// Integer form so that -0.0004 and 0.0004 both land on 0.
		binary.LittleEndian.PutUint64(buf[:], uint64(int64(math.RoundToEven(v*signaturePrecision))))
		d.Write(buf[:])
	}
	return SignatureID(d.Sum64())
}
