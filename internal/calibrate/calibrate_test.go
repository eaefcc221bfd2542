package calibrate

import (
	"testing"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/forkserver"
)

func deterministicRun(buf []byte) (uint64, int64, *bitmap.Map, forkserver.Outcome, error) {
	m := bitmap.NewMap(bitmap.DefaultSize)
	for i, b := range buf {
		m.Set(i%m.Len(), b)
	}
	var cksum uint64 = 14695981039346656037
	for _, b := range buf {
		cksum ^= uint64(b)
		cksum *= 1099511628211
	}
	return cksum, 1000, m, forkserver.None, nil
}

// Testable property 7: calibration determinism.
func TestRun_Deterministic(t *testing.T) {
	buf := []byte("hello world")
	r1, err := Run(buf, deterministicRun, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r2, err := Run(buf, deterministicRun, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r1.ExecCksum != r2.ExecCksum {
		t.Fatalf("cksum mismatch: %x vs %x", r1.ExecCksum, r2.ExecCksum)
	}
	if r1.BitmapSize != r2.BitmapSize {
		t.Fatalf("bitmap size mismatch: %d vs %d", r1.BitmapSize, r2.BitmapSize)
	}
	if r1.VarBehavior {
		t.Fatalf("deterministic run should not be flagged var_behavior")
	}
}

func TestRun_FailsFastOnCrash(t *testing.T) {
	run := func(buf []byte) (uint64, int64, *bitmap.Map, forkserver.Outcome, error) {
		return 0, 0, nil, forkserver.Crash, nil
	}
	_, err := Run([]byte("x"), run, false)
	if err == nil {
		t.Fatalf("expected ErrChildFault")
	}
	if _, ok := err.(*ErrChildFault); !ok {
		t.Fatalf("expected *ErrChildFault, got %T: %v", err, err)
	}
}

func TestRun_SkipCrashesContinues(t *testing.T) {
	calls := 0
	run := func(buf []byte) (uint64, int64, *bitmap.Map, forkserver.Outcome, error) {
		calls++
		if calls == 1 {
			return 0, 0, nil, forkserver.Crash, nil
		}
		return deterministicRun(buf)
	}
	res, err := Run([]byte("x"), run, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Runs == 0 {
		t.Fatalf("expected at least one successful run")
	}
}

func TestRun_DetectsVarBehavior(t *testing.T) {
	calls := 0
	run := func(buf []byte) (uint64, int64, *bitmap.Map, forkserver.Outcome, error) {
		calls++
		m := bitmap.NewMap(bitmap.DefaultSize)
		m.Set(0, byte(calls)) // different bitmap content every run
		return uint64(calls), 10, m, forkserver.None, nil
	}
	res, err := Run([]byte("x"), run, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.VarBehavior {
		t.Fatalf("expected VarBehavior to be detected")
	}
}
