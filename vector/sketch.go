package vector

import "math/bits"

// sketchOf packs a 1-bit sign quantization of v into uint64 words,
// little-endian bit order. Hamming distance between two sketches
// approximates angular distance well enough to pre-filter candidates.
func sketchOf(v []float32) []uint64 {
	words := make([]uint64, (len(v)+63)/64)
	for i, val := range v {
		if val >= 0 {
			words[i/64] |= 1 << (i % 64)
		}
	}
	return words
}

// hamming counts differing bits between two equal-length sketches.
func hamming(a, b []uint64) int {
	var d int
	for i := range a {
		d += bits.OnesCount64(a[i] ^ b[i])
	}
	return d
}
