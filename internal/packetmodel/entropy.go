package packetmodel

import (
	"math"
	"math/bits"
)

// computeStats fills in Payload's derived statistics from data in one pass
// over a 256-bucket histogram, per SPEC_FULL.md §4.1's invariants.
func computeStats(data []byte) (entropy, avgPopcount float64) {
	n := len(data)
	if n == 0 {
		return 0.0, 0.0
	}

	var hist [256]int
	var popcountSum int
	for _, b := range data {
		hist[b]++
		popcountSum += bits.OnesCount8(b)
	}

	inv := 1.0 / float64(n)
	for _, c := range hist {
		if c == 0 {
			continue
		}
		p := float64(c) * inv
		entropy -= p * math.Log2(p)
	}

	avgPopcount = float64(popcountSum) / float64(n)
	return entropy, avgPopcount
}
