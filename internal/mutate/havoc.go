package mutate

import (
	"math/bits"

	"github.com/dsmmcken/ssfuzz/internal/queue"
	"github.com/dsmmcken/ssfuzz/internal/rng"
)

// HavocStackPow2 bounds the number of stacked operations per havoc trial
// to 2^HavocStackPow2 (spec §4.7 "havoc stacks between 1 and 2^HAVOC_STACK_POW2
// random operations").
const HavocStackPow2 = 7

// region is the M2-local slice of a queue.Region: the byte span a
// region-aware havoc op is allowed to touch, expressed as offsets into the
// M2 buffer it was carved from.
type region struct {
	start, end int
}

// regionsFromQueue converts queue regions into M2-local spans, given the
// absolute byte offset M2 starts at within the full entry buffer.
func regionsFromQueue(regions []queue.Region, m2Offset int) []region {
	out := make([]region, 0, len(regions))
	for _, r := range regions {
		s, e := r.Start-m2Offset, r.End-m2Offset
		if e <= 0 || s >= e {
			continue
		}
		if s < 0 {
			s = 0
		}
		out = append(out, region{start: s, end: e})
	}
	return out
}

// havocOp is one atomic havoc mutation, applied in place to m2 and
// returning the (possibly resized) result.
type havocOp func(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte

func opBitFlip(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	if len(m2) == 0 {
		return m2
	}
	bit := r.Intn(len(m2) * 8)
	m2[bit/8] ^= 1 << uint(bit%8)
	return m2
}

func opByteOverwriteRandom(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	if len(m2) == 0 {
		return m2
	}
	i := r.Intn(len(m2))
	var b [1]byte
	r.Bytes(b[:])
	m2[i] = b[0]
	return m2
}

func opByteOverwriteInteresting(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	if len(m2) == 0 {
		return m2
	}
	i := r.Intn(len(m2))
	m2[i] = uint8(Interesting8[r.Intn(len(Interesting8))])
	return m2
}

func opArith8(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	if len(m2) == 0 {
		return m2
	}
	i := r.Intn(len(m2))
	delta := r.Intn(2*ArithMax) - ArithMax
	if delta == 0 {
		delta = 1
	}
	m2[i] = uint8(int(m2[i]) + delta)
	return m2
}

// opDeleteBytes removes a random run of 2 up to the region's full length
// from a randomly chosen region, leaving regions shorter than 2 bytes
// unchanged (spec's S3: "delete 2 bytes from M2").
func opDeleteBytes(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	span := pickRegion(regions, len(m2), r)
	if span.end-span.start < 2 {
		return m2
	}
	n := 2
	if maxN := span.end - span.start; maxN > 2 {
		n = 2 + r.Intn(maxN-1)
	}
	pos := span.start + r.Intn(span.end-span.start-n+1)
	out := make([]byte, 0, len(m2)-n)
	out = append(out, m2[:pos]...)
	out = append(out, m2[pos+n:]...)
	return out
}

// opCloneBytes duplicates a random run from within a region and inserts
// it at a random position within the same region's span.
func opCloneBytes(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	span := pickRegion(regions, len(m2), r)
	if span.end-span.start < 1 {
		return m2
	}
	n := 1 + r.Intn(span.end-span.start)
	srcStart := span.start + r.Intn(span.end-span.start-n+1)
	clone := append([]byte(nil), m2[srcStart:srcStart+n]...)
	pos := span.start + r.Intn(span.end-span.start+1)
	out := make([]byte, 0, len(m2)+n)
	out = append(out, m2[:pos]...)
	out = append(out, clone...)
	out = append(out, m2[pos:]...)
	return out
}

func opDictOverwrite(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	tokens := allTokens(dict)
	if len(tokens) == 0 || len(m2) == 0 {
		return m2
	}
	tok := tokens[r.Intn(len(tokens))]
	if len(tok) > len(m2) {
		return m2
	}
	pos := r.Intn(len(m2) - len(tok) + 1)
	copy(m2[pos:pos+len(tok)], tok)
	return m2
}

func pickRegion(regions []region, fallbackLen int, r *rng.Source) region {
	if len(regions) == 0 {
		return region{start: 0, end: fallbackLen}
	}
	return regions[r.Intn(len(regions))]
}

// defaultOps is the stacked-mutation pool (spec §4.7 "havoc stage").
var defaultOps = []havocOp{
	opBitFlip,
	opByteOverwriteRandom,
	opByteOverwriteInteresting,
	opArith8,
	opDeleteBytes,
	opCloneBytes,
	opDictOverwrite,
}

// HavocTrial applies between 1 and 2^HavocStackPow2 stacked random
// operations to a copy of m2, constrained to the given region spans where
// the op is region-aware, and returns the mutated M2 buffer.
func HavocTrial(m2 []byte, regions []region, dict *Dictionary, r *rng.Source) []byte {
	stack := 1 + r.Intn(1<<HavocStackPow2)
	out := append([]byte(nil), m2...)
	for i := 0; i < stack; i++ {
		op := defaultOps[r.Intn(len(defaultOps))]
		out = op(out, regions, dict, r)
	}
	return out
}

// HavocStage runs `trials` stacked-mutation trials against buf, where
// m2Offset marks where M2 starts within the entry's buffer, and
// entryRegions are that entry's full region list (spec §4.7, §4.8
// "select M2" step). A trial that reports new coverage doubles the trial
// budget while it is at most HavocMaxMult*100. M1 and M3 are restored
// around every trial (spec §8 property 5).
func HavocStage(buf *Buffer, entryRegions []queue.Region, m2Offset int, dict *Dictionary, trials int, exec Executor, r *rng.Source) error {
	original := append([]byte(nil), buf.M2...)
	spans := regionsFromQueue(entryRegions, m2Offset)
	for i := 0; i < trials; i++ {
		buf.M2 = HavocTrial(original, spans, dict, r)
		_, newCov, err := exec.Run(buf.Assemble())
		if err != nil {
			buf.RestoreFrom(original)
			return err
		}
		if newCov && trials <= int(queue.HavocMaxMult*100) {
			trials *= 2
		}
	}
	buf.RestoreFrom(original)
	return nil
}

// popcountByte is exposed for tests asserting bit-level mutation sanity.
func popcountByte(b byte) int { return bits.OnesCount8(b) }
