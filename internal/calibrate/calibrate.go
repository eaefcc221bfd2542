// Package calibrate implements dry-run calibration (spec.md §4.10,
// component C10): running a queue entry several times before it becomes
// selectable, to establish its execution checksum, average timing,
// bitmap size, and variable-behavior flag.
package calibrate

import (
	"fmt"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/forkserver"
)

// MinRuns and MaxRuns bound the dry-run cycle count (spec §4.10 "3-8
// times, more on variance"). CalLongCycles is used once variance is
// detected, mirroring AFL's CAL_CYCLES_LONG.
const (
	MinRuns       = 3
	MaxRuns       = 8
	CalLongCycles = 40
)

// RunFunc executes buf once and reports its trace checksum, wall time in
// microseconds, classified coverage bitmap, and fork-server outcome. It is
// supplied by internal/iteration, wired to the fork-server driver.
type RunFunc func(buf []byte) (cksum uint64, execUS int64, trace *bitmap.Map, outcome forkserver.Outcome, err error)

// Result is the calibration summary recorded onto a queue.Entry (spec §3
// "Calibration").
type Result struct {
	ExecCksum   uint64
	ExecUSAvg   int64
	BitmapSize  int
	VarBehavior bool
	Runs        int
}

// ErrChildFault is returned when an initial-corpus entry times out or
// crashes during calibration and skipCrashes was not requested (spec §4.10
// "fail fast ... unless skip-crashes is set").
type ErrChildFault struct {
	Outcome forkserver.Outcome
}

func (e *ErrChildFault) Error() string {
	return fmt.Sprintf("calibration child fault: %s", e.Outcome)
}

// Run performs the dry-run calibration cycle for buf (spec §4.10,
// testable property 7: calibration determinism — running Run twice
// against a RunFunc that is itself deterministic yields identical
// ExecCksum/BitmapSize).
func Run(buf []byte, run RunFunc, skipCrashes bool) (Result, error) {
	var res Result
	var firstCksum uint64
	var firstTrace *bitmap.Map
	var totalUS int64
	varBehavior := false

	maxRuns := MaxRuns
	for i := 0; i < maxRuns; i++ {
		cksum, us, trace, outcome, err := run(buf)
		if err != nil {
			return res, err
		}
		if outcome == forkserver.Timeout || outcome == forkserver.Crash {
			if skipCrashes {
				continue
			}
			return res, &ErrChildFault{Outcome: outcome}
		}

		totalUS += us
		res.Runs++

		if i == 0 {
			firstCksum = cksum
			firstTrace = trace
			res.BitmapSize = bitmap.CountBytes(trace)
		} else {
			if cksum != firstCksum {
				varBehavior = true
			}
			if differsByte(firstTrace, trace) {
				varBehavior = true
			}
			if sz := bitmap.CountBytes(trace); sz > res.BitmapSize {
				res.BitmapSize = sz
			}
		}

		if i+1 == MinRuns && varBehavior && maxRuns < CalLongCycles {
			maxRuns = CalLongCycles
		}
	}

	if res.Runs == 0 {
		return res, fmt.Errorf("calibration produced zero successful runs")
	}

	res.ExecCksum = firstCksum
	res.ExecUSAvg = totalUS / int64(res.Runs)
	res.VarBehavior = varBehavior
	return res, nil
}

func differsByte(a, b *bitmap.Map) bool {
	if a == nil || b == nil || a.Len() != b.Len() {
		return a != b
	}
	for i := 0; i < a.Len(); i++ {
		if a.Get(i) != b.Get(i) {
			return true
		}
	}
	return false
}
