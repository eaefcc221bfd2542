// Package rng provides the single PRNG stream shared by the whole fuzzer.
//
// The process is single-threaded cooperative (spec.md §5): there is exactly
// one source of randomness, reseeded periodically from the OS entropy
// device, never a per-goroutine rand.Rand.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	mrand "math/rand"
	"time"
)

// Source is the fuzzer's single PRNG. Not safe for concurrent use — the
// fuzzer core never calls it from more than one goroutine at a time.
type Source struct {
	r            *mrand.Rand
	execsAtReseed int64
	execs         int64
}

// ReseedInterval is the number of executions between automatic reseeds.
const ReseedInterval = 5_000_000

// New builds a PRNG seeded from the OS entropy device.
func New() *Source {
	s := &Source{r: mrand.New(mrand.NewSource(0))}
	s.Reseed()
	return s
}

// Reseed draws a fresh 64-bit seed from crypto/rand.
func (s *Source) Reseed() {
	var seed int64
	n, err := rand.Int(rand.Reader, big.NewInt(0).SetUint64(1<<63-1))
	if err != nil {
		seed = time.Now().UnixNano()
	} else {
		seed = n.Int64()
	}
	s.r = mrand.New(mrand.NewSource(seed))
	s.execsAtReseed = s.execs
}

// Tick is called once per execution; it reseeds automatically every
// ReseedInterval executions, mirroring AFL-style PRNG hygiene.
func (s *Source) Tick() {
	s.execs++
	if s.execs-s.execsAtReseed >= ReseedInterval {
		s.Reseed()
	}
}

// Intn returns a pseudo-random int in [0, n).
func (s *Source) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.r.Intn(n)
}

// Int63n returns a pseudo-random int64 in [0, n).
func (s *Source) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return s.r.Int63n(n)
}

// Float64 returns a pseudo-random float64 in [0.0, 1.0).
func (s *Source) Float64() float64 { return s.r.Float64() }

// Bool returns a fair coin flip.
func (s *Source) Bool() bool { return s.r.Intn(2) == 0 }

// Below returns true with probability 1/n, i.e. "one in n" — the common
// AFL idiom for havoc-stage probabilistic gating.
func (s *Source) Below(n int) bool {
	if n <= 1 {
		return true
	}
	return s.Intn(n) == 0
}

// Bytes fills buf with pseudo-random bytes.
func (s *Source) Bytes(buf []byte) {
	for i := 0; i < len(buf); i += 8 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], s.r.Uint64())
		n := copy(buf[i:], b[:])
		_ = n
	}
}
