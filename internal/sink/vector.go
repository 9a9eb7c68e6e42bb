package sink

import (
	"encoding/binary"
	"fmt"
	"math"
)

// serializeVector encodes a vector as a little-endian float32 blob, the
// layout sqlite-vec expects.
func serializeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// deserializeVector is the inverse of serializeVector.
func deserializeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Zero-magnitude vectors score 0.
func cosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}
	var dot, amag, bmag float64
	for i := 0; i < len(a); i++ {
		dot += float64(a[i]) * float64(b[i])
		amag += float64(a[i]) * float64(a[i])
		bmag += float64(b[i]) * float64(b[i])
	}
	if amag == 0 || bmag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(amag) * math.Sqrt(bmag)), nil
}
