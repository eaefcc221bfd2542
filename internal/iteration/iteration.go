// Package iteration implements one fuzz iteration (spec.md §4.8, component
// C8): M2 selection, stall recovery, skip-deterministic gating, and
// driving the deterministic + havoc stages from internal/mutate.
package iteration

import (
	"context"

	"github.com/dsmmcken/ssfuzz/internal/mutate"
	"github.com/dsmmcken/ssfuzz/internal/oracle"
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
	"github.com/dsmmcken/ssfuzz/internal/rng"
)

// Span is an M2 byte range within an entry's full buffer.
type Span struct {
	Start, Length int
}

// SelectM2 picks the M2 sub-range of an entry's buffer (spec §4.8 step 1).
// In state-aware mode it walks regions until one whose final state equals
// target, then extends the span while contiguous regions share that same
// final state. In non-state-aware mode it picks a uniformly random
// nonempty span.
func SelectM2(entry *queue.Entry, target protocolapi.StateID, stateAware bool, r *rng.Source) Span {
	if !stateAware || len(entry.Regions) == 0 {
		if entry.Length <= 0 {
			return Span{}
		}
		start := r.Intn(entry.Length)
		length := 1 + r.Intn(entry.Length-start)
		return Span{Start: start, Length: length}
	}

	startIdx := -1
	for i, reg := range entry.Regions {
		final, ok := reg.FinalState()
		if ok && final == target {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		// No region reaches the target state; fall back to the whole buffer.
		return Span{Start: 0, Length: entry.Length}
	}
	wantFinal, _ := entry.Regions[startIdx].FinalState()
	endIdx := startIdx
	for endIdx+1 < len(entry.Regions) {
		final, ok := entry.Regions[endIdx+1].FinalState()
		if !ok || final != wantFinal {
			break
		}
		endIdx++
	}
	start := entry.Regions[startIdx].Start
	end := entry.Regions[endIdx].End
	return Span{Start: start, Length: end - start}
}

// SplitBuffer carves full into the M1/M2/M3 triple given an M2 span (spec
// §4.7 "out = concat(M1) || concat(M2) || concat(M3)").
func SplitBuffer(full []byte, m2 Span) *mutate.Buffer {
	end := m2.Start + m2.Length
	if end > len(full) {
		end = len(full)
	}
	return &mutate.Buffer{
		M1: append([]byte(nil), full[:m2.Start]...),
		M2: append([]byte(nil), full[m2.Start:end]...),
		M3: append([]byte(nil), full[end:]...),
	}
}

// ShouldSkipDeterministic reports whether deterministic stages should be
// bypassed in favor of havoc directly (spec §4.8 step 4): the entry was
// already fuzzed/passed deterministic once, or this shard (workerCount,
// workerID) is not responsible for this entry this round.
func ShouldSkipDeterministic(entry *queue.Entry, workerCount, workerID int) bool {
	if entry.SkipDeterministic() {
		return true
	}
	if workerCount > 1 {
		return entry.ID%workerCount != workerID
	}
	return false
}

// Params bundles the knobs RunOne needs beyond the entry/target pair.
type Params struct {
	StateAware      bool
	RegionLevel     bool
	WorkerCount     int
	WorkerID        int
	HavocTrialsBase int
	Dict            *mutate.Dictionary
	Oracle          oracle.Oracle
	OracleBudget    *oracle.Budget
}

// Result summarizes what happened during one iteration, for the main loop
// to fold into fuzzer_stats/plot_data bookkeeping.
type Result struct {
	Probed           bool
	DeterministicRan bool
	HavocTrials      int
}

// RunOne executes deterministic stages (unless skipped) followed by havoc
// against entry's selected M2 span, targeting state target (spec §4.8).
// stall, if non-nil and stalled, first attempts an LLM speculative probe
// and executes its suggestion once via exec before continuing with the
// normal mutation stages.
func RunOne(ctx context.Context, entry *queue.Entry, full []byte, target protocolapi.StateID, params Params, stall *oracle.StallCounter, dialogue [][]byte, exec mutate.Executor, r *rng.Source) (Result, error) {
	var res Result

	if stall != nil && stall.Stalled() && params.Oracle != nil && params.OracleBudget != nil {
		if next, ok := oracle.Probe(ctx, params.Oracle, params.OracleBudget, "", dialogue); ok {
			if _, _, err := exec.Run(next); err != nil {
				return res, err
			}
			res.Probed = true
		}
	}

	m2 := SelectM2(entry, target, params.StateAware, r)
	buf := SplitBuffer(full, m2)

	skip := ShouldSkipDeterministic(entry, params.WorkerCount, params.WorkerID)
	if !skip {
		if err := runDeterministic(buf, params.Dict, exec); err != nil {
			return res, err
		}
		entry.PassedDet = true
		res.DeterministicRan = true
	}

	trials := params.HavocTrialsBase
	if trials <= 0 {
		trials = 256
	}
	res.HavocTrials = trials
	if err := mutate.HavocStage(buf, regionsForHavoc(entry), m2.Start, params.Dict, trials, exec, r); err != nil {
		return res, err
	}

	entry.MarkFuzzed(target)
	return res, nil
}

func regionsForHavoc(entry *queue.Entry) []queue.Region {
	return entry.Regions
}

// m2Executor adapts a mutate.Executor that expects the full M1||M2||M3
// trial buffer to the deterministic stage functions, which mutate and run
// only the M2 slice; M1/M3 are prepended/appended around every trial so
// they are "restored" by construction (spec §8 property 5).
type m2Executor struct {
	m1, m3 []byte
	inner  mutate.Executor
}

func (w *m2Executor) Run(m2 []byte) (uint64, bool, error) {
	full := make([]byte, 0, len(w.m1)+len(m2)+len(w.m3))
	full = append(full, w.m1...)
	full = append(full, m2...)
	full = append(full, w.m3...)
	return w.inner.Run(full)
}

func runDeterministic(buf *mutate.Buffer, dict *mutate.Dictionary, exec mutate.Executor) error {
	original := append([]byte(nil), buf.M2...)
	defer buf.RestoreFrom(original)

	wrapped := &m2Executor{m1: buf.M1, m3: buf.M3, inner: exec}

	for _, width := range []int{1, 2, 4} {
		if err := mutate.WalkingBitFlipStage(buf.M2, width, wrapped); err != nil {
			return err
		}
	}

	eff, err := mutate.ByteFlipStage(buf.M2, wrapped)
	if err != nil {
		return err
	}
	if err := mutate.WordFlipStage(buf.M2, 2, eff, wrapped); err != nil {
		return err
	}
	if err := mutate.WordFlipStage(buf.M2, 4, eff, wrapped); err != nil {
		return err
	}

	if err := mutate.Arith8Stage(buf.M2, eff, wrapped); err != nil {
		return err
	}
	if err := mutate.ArithWideStage(buf.M2, 2, eff, wrapped); err != nil {
		return err
	}
	if err := mutate.ArithWideStage(buf.M2, 4, eff, wrapped); err != nil {
		return err
	}

	if err := mutate.Interesting8Stage(buf.M2, eff, wrapped); err != nil {
		return err
	}
	if err := mutate.InterestingWideStage(buf.M2, 2, eff, wrapped); err != nil {
		return err
	}
	if err := mutate.InterestingWideStage(buf.M2, 4, eff, wrapped); err != nil {
		return err
	}

	if dict != nil {
		if err := mutate.DictOverwriteStage(buf.M2, dict, wrapped); err != nil {
			return err
		}
		if err := mutate.DictInsertStage(buf.M2, dict, wrapped); err != nil {
			return err
		}
	}
	return nil
}
