// Package mutate implements the mutation engine (spec.md §4.7, component
// C7): deterministic bit/byte/arithmetic/dictionary passes plus
// structure-aware havoc with region boundaries derived from the grammar
// store.
//
// The engine operates on a buffer out = concat(M1) || concat(M2) ||
// concat(M3), but only ever modifies the M2 byte range; M1 and M3 are
// restored around each trial (spec §4.7, testable property 5).
package mutate

import (
	"encoding/binary"

	"github.com/dsmmcken/ssfuzz/internal/grammar"
	"github.com/dsmmcken/ssfuzz/internal/rng"
)

// ArithMax is the ARITH_MAX constant bounding arithmetic mutations.
const ArithMax = 35

// Interesting8/16/32 are the interesting-value tables (spec §4.7 step 4).
var Interesting8 = []int8{-128, -1, 0, 1, 16, 32, 64, 100, 127}

var Interesting16 = append(widen16(Interesting8), []int16{
	-32768, -129, 128, 255, 256, 512, 1000, 1024, 4096, 32767,
}...)

var Interesting32 = append(widen32(Interesting16), []int32{
	-2147483648, -100663046, -32769, 32768, 65535, 65536, 100663045, 2147483647,
}...)

func widen16(in []int8) []int16 {
	out := make([]int16, len(in))
	for i, v := range in {
		out[i] = int16(v)
	}
	return out
}

func widen32(in []int16) []int32 {
	out := make([]int32, len(in))
	for i, v := range in {
		out[i] = int32(v)
	}
	return out
}

// Executor is the callback the mutation engine uses to run one trial and
// learn its outcome. It is supplied by internal/iteration, which wires it
// to the fork-server + network driver + coverage classification pipeline.
type Executor interface {
	// Run executes buf once and returns a trace checksum (used to detect
	// effector-map ineffectiveness) and whether the run produced new
	// coverage (used to grow the havoc trial budget).
	Run(buf []byte) (checksum uint64, newCoverage bool, err error)
}

// Buffer models the M1 || M2 || M3 decomposition (spec §3 "Message set").
// Only M2 is ever mutated; callers reconstruct the full trial buffer via
// Assemble.
type Buffer struct {
	M1, M2, M3 []byte
}

// Assemble concatenates the three parts into one trial buffer.
func (b *Buffer) Assemble() []byte {
	out := make([]byte, 0, len(b.M1)+len(b.M2)+len(b.M3))
	out = append(out, b.M1...)
	out = append(out, b.M2...)
	out = append(out, b.M3...)
	return out
}

// RestoreFrom resets M2 to a saved original (used at the end of every
// trial/stage so M1/M3 are never touched and M2 always returns to a known
// baseline — spec §8 property 5: M1 and M3 byte sequences are identical to
// the original file content at the same offsets after one fuzz iteration).
func (b *Buffer) RestoreFrom(original []byte) {
	b.M2 = append(b.M2[:0], original...)
}

func get16(b []byte, i int, be bool) uint16 {
	if be {
		return binary.BigEndian.Uint16(b[i : i+2])
	}
	return binary.LittleEndian.Uint16(b[i : i+2])
}
func get32(b []byte, i int, be bool) uint32 {
	if be {
		return binary.BigEndian.Uint32(b[i : i+4])
	}
	return binary.LittleEndian.Uint32(b[i : i+4])
}
func put16(b []byte, i int, v uint16, be bool) {
	if be {
		binary.BigEndian.PutUint16(b[i:i+2], v)
	} else {
		binary.LittleEndian.PutUint16(b[i:i+2], v)
	}
}
func put32(b []byte, i int, v uint32, be bool) {
	if be {
		binary.BigEndian.PutUint32(b[i:i+4], v)
	} else {
		binary.LittleEndian.PutUint32(b[i:i+4], v)
	}
}

// Dictionary holds sorted user extras and bounded auto-discovered extras
// (spec §3 "Dictionary").
type Dictionary struct {
	UserExtras [][]byte // size-sorted ascending
	AutoExtras [][]byte // bounded; least-hit evicted
	autoHits   []int
	autoCap    int
}

// NewDictionary constructs a Dictionary with the given auto-extras
// capacity.
func NewDictionary(autoCap int) *Dictionary {
	return &Dictionary{autoCap: autoCap}
}

// AddUserExtra inserts a user-supplied token, keeping UserExtras sorted by
// ascending length.
func (d *Dictionary) AddUserExtra(tok []byte) {
	d.UserExtras = append(d.UserExtras, tok)
	for i := len(d.UserExtras) - 1; i > 0 && len(d.UserExtras[i]) < len(d.UserExtras[i-1]); i-- {
		d.UserExtras[i], d.UserExtras[i-1] = d.UserExtras[i-1], d.UserExtras[i]
	}
}

// RecordAutoToken adds or bumps an auto-discovered token, evicting the
// least-hit entry once over capacity (spec §3).
func (d *Dictionary) RecordAutoToken(tok []byte) {
	for i, existing := range d.AutoExtras {
		if string(existing) == string(tok) {
			d.autoHits[i]++
			return
		}
	}
	if d.autoCap > 0 && len(d.AutoExtras) >= d.autoCap {
		minIdx := 0
		for i, h := range d.autoHits {
			if h < d.autoHits[minIdx] {
				minIdx = i
			}
		}
		d.AutoExtras[minIdx] = tok
		d.autoHits[minIdx] = 1
		return
	}
	d.AutoExtras = append(d.AutoExtras, tok)
	d.autoHits = append(d.autoHits, 1)
}

func randomRange(ranges []grammar.Range, r *rng.Source) (grammar.Range, bool) {
	mutable := grammar.MutableSpans(ranges)
	if len(mutable) == 0 {
		return grammar.Range{}, false
	}
	return mutable[r.Intn(len(mutable))], true
}
