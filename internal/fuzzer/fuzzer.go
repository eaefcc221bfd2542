// Package fuzzer implements the main loop and signal handling (spec.md
// §4.12, component C12): the outer state-aware/non-state-aware loop and
// the four signal-driven flags the rest of the fuzzer checks.
package fuzzer

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/flog"
	"github.com/dsmmcken/ssfuzz/internal/ipsm"
	"github.com/dsmmcken/ssfuzz/internal/persist"
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
	"github.com/dsmmcken/ssfuzz/internal/rng"
)

// Flags are the four signal-driven stop/control flags (spec §4.12
// "Signals"). All fields are accessed with sync/atomic since the signal
// handler goroutine and the main loop both touch them, even though the
// rest of the fuzzer core is single-threaded cooperative (spec §5).
type Flags struct {
	stopSoon      atomic.Bool // interrupt
	childTimedOut atomic.Bool // alarm
	skipRequested atomic.Bool // user1
	redraw        atomic.Bool // winch
}

func (f *Flags) StopSoon() bool      { return f.stopSoon.Load() }
func (f *Flags) ChildTimedOut() bool { return f.childTimedOut.Load() }
func (f *Flags) SkipRequested() bool { return f.skipRequested.Load() }
func (f *Flags) Redraw() bool        { return f.redraw.Load() }

// ClearSkipRequested resets the per-iteration skip flag after it has been
// honored (spec §4.12 "user1 -> flag skip_requested for the current
// entry").
func (f *Flags) ClearSkipRequested() { f.skipRequested.Store(false) }

// ClearRedraw resets the redraw flag after the status UI has redrawn.
func (f *Flags) ClearRedraw() { f.redraw.Store(false) }

// watchSignals wires SIGINT/SIGALRM/SIGUSR1/SIGWINCH to Flags, following
// the teacher's os/signal + syscall pattern (internal/exec's SIGINT
// forwarding) generalized to the fuzzer's four signal-driven flags.
func watchSignals(ctx context.Context, onInterrupt func()) (*Flags, func()) {
	f := &Flags{}
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGALRM, syscall.SIGUSR1, syscall.SIGWINCH)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGINT:
					f.stopSoon.Store(true)
					if onInterrupt != nil {
						onInterrupt()
					}
				case syscall.SIGALRM:
					f.childTimedOut.Store(true)
				case syscall.SIGUSR1:
					f.skipRequested.Store(true)
				case syscall.SIGWINCH:
					f.redraw.Store(true)
				}
			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	stop := func() {
		signal.Stop(sigCh)
		<-done
	}
	return f, stop
}

// Fuzzer holds the campaign-wide state the main loop operates over.
type Fuzzer struct {
	Cfg    config.Config
	Env    config.EnvOverrides
	Layout *persist.Layout
	Queue  *queue.Queue
	IPSM   *ipsm.Graph
	Rng    *rng.Source
	Flags  *Flags

	ChatCount     int
	CyclesDone    int
	UniqueCrashes int
	UniqueHangs   int

	idleRounds int
}

// New constructs a Fuzzer with fresh queue/IPSM/PRNG state.
func New(cfg config.Config, layout *persist.Layout) *Fuzzer {
	return &Fuzzer{
		Cfg:    cfg,
		Env:    config.ReadEnv(),
		Layout: layout,
		Queue:  queue.New(),
		IPSM:   ipsm.New(),
		Rng:    rng.New(),
	}
}

// idleRoundLimit bounds how many consecutive loop rounds SSFUZZ_EXIT_WHEN_DONE
// tolerates with no queue growth and no new IPSM node/edge before concluding
// the campaign is done.
const idleRoundLimit = 5000

// FuzzOneFunc runs one fuzz iteration against the given entry and target
// state (wired to internal/iteration.RunOne plus the fork-server/network
// driver pipeline by the CLI layer).
type FuzzOneFunc func(ctx context.Context, entry *queue.Entry, target protocolapi.StateID) error

// CullFunc recomputes favorites given the current target state (wired to
// internal/queue.Cull).
type CullFunc func(target protocolapi.StateID)

// ChooseSeedFunc selects the next seed within a target state (wired to
// internal/ipsm.SelectSeed).
type ChooseSeedFunc func(target protocolapi.StateID) *queue.Entry

// statsFlushInterval bounds how often fuzzer_stats/plot_data are
// rewritten (spec §4.11 "rewritten periodically").
const statsFlushInterval = 1 * time.Second

// Run drives the outer loop (spec §4.12 pseudocode). It returns when
// stopSoon is set (SIGINT) or ctx is canceled. In state-aware mode it
// repeatedly chooses a target state, culls the queue, chooses a seed, and
// fuzzes it; in non-state-aware mode it walks the queue linearly with a
// cycle counter.
func (fz *Fuzzer) Run(ctx context.Context, mode ipsm.Mode, cull CullFunc, chooseSeed ChooseSeedFunc, fuzzOne FuzzOneFunc) error {
	flags, stopWatching := watchSignals(ctx, nil)
	fz.Flags = flags
	defer stopWatching()

	lastFlush := time.Now()
	linearIdx := 0

	for {
		if flags.StopSoon() {
			flog.Infof("stop requested, flushing state and exiting")
			return fz.flush()
		}
		select {
		case <-ctx.Done():
			return fz.flush()
		default:
		}

		var target protocolapi.StateID
		var entry *queue.Entry

		if fz.Cfg.StateAware {
			target = fz.IPSM.SelectTargetState(mode, fz.Rng)
			if cull != nil {
				cull(target)
			}
			if chooseSeed != nil {
				entry = chooseSeed(target)
			}
		} else {
			if fz.Queue.Len() == 0 {
				return fz.flush()
			}
			entry = fz.Queue.At(linearIdx % fz.Queue.Len())
			linearIdx++
			if linearIdx%fz.Queue.Len() == 0 {
				fz.CyclesDone++
			}
			target = protocolapi.InitialState
		}

		pathsBefore, nodesBefore, edgesBefore := fz.Queue.Len(), fz.IPSM.NodeCount(), fz.IPSM.EdgeCount()

		if entry != nil && fuzzOne != nil {
			if err := fuzzOne(ctx, entry, target); err != nil {
				flog.Warnf("iteration error: %v", err)
			}
		}

		if flags.SkipRequested() {
			flags.ClearSkipRequested()
		}

		if fz.Env.BenchUntilCrash && fz.UniqueCrashes > 0 {
			flog.Infof("bench-until-crash: crash found, flushing state and exiting")
			return fz.flush()
		}

		if fz.Env.ExitWhenDone {
			if fz.Queue.Len() == pathsBefore && fz.IPSM.NodeCount() == nodesBefore && fz.IPSM.EdgeCount() == edgesBefore {
				fz.idleRounds++
			} else {
				fz.idleRounds = 0
			}
			if fz.idleRounds >= idleRoundLimit {
				flog.Infof("exit-when-done: %d rounds with no new coverage, flushing state and exiting", fz.idleRounds)
				return fz.flush()
			}
		}

		if time.Since(lastFlush) > statsFlushInterval {
			if err := fz.flush(); err != nil {
				flog.Warnf("flushing state: %v", err)
			}
			lastFlush = time.Now()
		}
	}
}

// flush rewrites fuzzer_stats, appends a plot_data row, and persists the
// IPSM DOT graph (spec §4.11 "rewritten periodically" / "whenever a new
// state sequence is learned"). It is always called on every exit path so
// no outstanding state is lost on a clean stop (spec §5).
func (fz *Fuzzer) flush() error {
	now := time.Now()
	stats := persist.Stats{
		LastUpdate:    now,
		CyclesDone:    fz.CyclesDone,
		PathsTotal:    fz.Queue.Len(),
		MaxDepth:      fz.Queue.MaxDepth(),
		ExecTimeout:   fz.Cfg.ExecTimeout,
		ChatCount:     fz.ChatCount,
		UniqueCrashes: fz.UniqueCrashes,
		UniqueHangs:   fz.UniqueHangs,
	}
	if err := persist.WriteStats(fz.Layout.FuzzerStats(), stats); err != nil {
		return err
	}

	row := persist.PlotRow{
		UnixTime:      now.Unix(),
		CyclesDone:    fz.CyclesDone,
		PathsTotal:    fz.Queue.Len(),
		MaxDepth:      fz.Queue.MaxDepth(),
		NNodes:        fz.IPSM.NodeCount(),
		NEdges:        fz.IPSM.EdgeCount(),
		ChatCount:     fz.ChatCount,
		UniqueCrashes: fz.UniqueCrashes,
		UniqueHangs:   fz.UniqueHangs,
	}
	if err := persist.AppendPlotRow(fz.Layout.PlotData(), row); err != nil {
		return err
	}

	f, err := os.Create(fz.Layout.IPSMDot())
	if err != nil {
		return err
	}
	defer f.Close()
	return fz.IPSM.WriteDOT(f)
}
