package queue

import "github.com/dsmmcken/ssfuzz/internal/forkserver"

// TriageMultiplier scales the normal execution timeout for the confirming
// re-run (spec §7 "re-running once with a more generous timeout before
// accepting a crash/hang as unique").
const TriageMultiplier = 2.0

// TriageFunc re-executes buf and reports the fork-server's outcome,
// wired by the caller to a Driver already running with a bumped timeout.
type TriageFunc func(buf []byte) (forkserver.Outcome, error)

// TriageCrash re-runs buf once before a suspected crash is accepted as
// confirmed, filtering out faults that only reproduce under timing
// pressure from the first, timeout-tight execution.
func TriageCrash(buf []byte, rerun TriageFunc) (confirmed bool, err error) {
	outcome, err := rerun(buf)
	if err != nil {
		return false, err
	}
	return outcome == forkserver.Crash, nil
}

// TriageHang mirrors TriageCrash for suspected hangs.
func TriageHang(buf []byte, rerun TriageFunc) (confirmed bool, err error) {
	outcome, err := rerun(buf)
	if err != nil {
		return false, err
	}
	return outcome == forkserver.Timeout, nil
}
