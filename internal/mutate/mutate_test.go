package mutate

import (
	"testing"

	"github.com/dsmmcken/ssfuzz/internal/queue"
	"github.com/dsmmcken/ssfuzz/internal/rng"
)

// fakeExecutor reports a checksum derived from buf content and records
// every trial it was handed, standing in for the fork-server+network
// driver pipeline internal/iteration would normally wire in.
type fakeExecutor struct {
	trials [][]byte
	// ignoreByte, when >= 0, makes the checksum blind to that byte offset
	// so flipping it never changes the trace (models S2's byte 1).
	ignoreByte int
}

func (f *fakeExecutor) Run(buf []byte) (uint64, bool, error) {
	f.trials = append(f.trials, append([]byte(nil), buf...))
	var h uint64 = 1469598103934665603
	for i, b := range buf {
		if i == f.ignoreByte {
			continue
		}
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h, false, nil
}

// TestByteFlipStage_S2 exercises scenario S2: buffer [0x00, 0xAA, 0x00]
// where flipping byte 1 never changes the trace. After the 8/8 flip
// phase, eff_map[1] must be 0 (ineffective) and eff_map[0]/eff_map[2]
// must be 1 (effective); a subsequent arith-8 stage must then skip index
// 1 entirely.
func TestByteFlipStage_S2(t *testing.T) {
	buf := []byte{0x00, 0xAA, 0x00}
	exec := &fakeExecutor{ignoreByte: 1}

	eff, err := ByteFlipStage(buf, exec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if eff.IsEffective(1) {
		t.Fatalf("eff_map[1] should be ineffective")
	}
	if !eff.IsEffective(0) || !eff.IsEffective(2) {
		t.Fatalf("eff_map[0] and eff_map[2] should be effective")
	}
	// buf must be restored to its original content after the stage.
	if buf[0] != 0x00 || buf[1] != 0xAA || buf[2] != 0x00 {
		t.Fatalf("buffer not restored: %v", buf)
	}

	exec.trials = nil
	if err := Arith8Stage(buf, eff, exec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, trial := range exec.trials {
		if trial[1] != 0xAA {
			t.Fatalf("arith-8 stage mutated ineffective byte 1: %v", trial)
		}
	}
}

// TestHavocStage_S3 exercises scenario S3: an entry with two regions,
// havoc constrained to the second region, and a verification that the M1
// prefix preceding M2 is never touched by any trial.
func TestHavocStage_S3(t *testing.T) {
	// Full original buffer: M1 = bytes [0,4), M2 = bytes [4,9).
	m1 := []byte{0x01, 0x02, 0x03, 0x04}
	m2Orig := []byte{0x10, 0x11, 0x12, 0x13, 0x14}
	buf := &Buffer{M1: append([]byte(nil), m1...), M2: append([]byte(nil), m2Orig...)}

	regions := []queue.Region{
		{Start: 0, End: 4},
		{Start: 4, End: 9},
	}

	r := rng.New()
	exec := &fakeExecutor{ignoreByte: -1}
	if err := HavocStage(buf, regions, 4, nil, 50, exec, r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, trial := range exec.trials {
		if len(trial) < 4 {
			t.Fatalf("trial shorter than M1: %v", trial)
		}
		for i := 0; i < 4; i++ {
			if trial[i] != m1[i] {
				t.Fatalf("M1 prefix mutated at trial %v, want prefix %v", trial, m1)
			}
		}
	}

	// After the stage, M2 must be restored to its pre-stage content.
	if len(buf.M2) != len(m2Orig) {
		t.Fatalf("M2 not restored to original length: %v", buf.M2)
	}
	for i := range m2Orig {
		if buf.M2[i] != m2Orig[i] {
			t.Fatalf("M2 not restored: %v", buf.M2)
		}
	}
}

func TestOpDeleteBytes_ShrinksWithinRegion(t *testing.T) {
	m2 := []byte{0x10, 0x11, 0x12, 0x13, 0x14}
	regions := []region{{start: 0, end: 5}}
	r := rng.New()
	out := opDeleteBytes(m2, regions, nil, r)
	if len(out) >= len(m2) {
		t.Fatalf("delete op did not shrink buffer: %v -> %v", m2, out)
	}
}

func TestSplice_BoundedByShorterInput(t *testing.T) {
	a := []byte{1, 2, 3, 4, 5}
	b := []byte{9, 8}
	r := rng.New()
	out := Splice(a, b, r)
	if len(out) > len(a)+len(b) {
		t.Fatalf("spliced buffer too long: %v", out)
	}
}

func TestDictionary_AutoExtrasEviction(t *testing.T) {
	d := NewDictionary(2)
	d.RecordAutoToken([]byte("AAA"))
	d.RecordAutoToken([]byte("BBB"))
	d.RecordAutoToken([]byte("AAA")) // bump AAA's hit count
	d.RecordAutoToken([]byte("CCC")) // should evict BBB, the least-hit entry
	if len(d.AutoExtras) != 2 {
		t.Fatalf("expected cap of 2, got %d", len(d.AutoExtras))
	}
	for _, tok := range d.AutoExtras {
		if string(tok) == "BBB" {
			t.Fatalf("expected BBB evicted, AutoExtras=%v", d.AutoExtras)
		}
	}
}

func TestPopcountByte(t *testing.T) {
	if popcountByte(0xFF) != 8 {
		t.Fatalf("popcount(0xFF) = %d, want 8", popcountByte(0xFF))
	}
}
