package mutate

import "github.com/dsmmcken/ssfuzz/internal/rng"

// Splice combines two M2 buffers at a randomly chosen crossover point:
// the prefix of a up to the split and the suffix of b from the split
// (spec §4.7 "splicing stage", used when the havoc stage stalls without
// finding new coverage and a second queue entry is spliced in to diversify
// the input).
func Splice(a, b []byte, r *rng.Source) []byte {
	if len(a) == 0 || len(b) == 0 {
		return append([]byte(nil), a...)
	}
	maxLen := len(a)
	if len(b) < maxLen {
		maxLen = len(b)
	}
	if maxLen < 2 {
		return append([]byte(nil), a...)
	}
	split := 1 + r.Intn(maxLen-1)
	out := make([]byte, 0, split+len(b)-split)
	out = append(out, a[:split]...)
	out = append(out, b[split:]...)
	return out
}
