package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/flog"
	"github.com/dsmmcken/ssfuzz/internal/forkserver"
	"github.com/dsmmcken/ssfuzz/internal/fuzzer"
	"github.com/dsmmcken/ssfuzz/internal/ipsm"
	"github.com/dsmmcken/ssfuzz/internal/iteration"
	"github.com/dsmmcken/ssfuzz/internal/mutate"
	"github.com/dsmmcken/ssfuzz/internal/oracle"
	"github.com/dsmmcken/ssfuzz/internal/persist"
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
)

// selectionMode maps the config's selection-mode tag to ipsm.Mode.
func selectionMode(m config.SelectionMode) ipsm.Mode {
	switch m {
	case config.SelectRoundRobin:
		return ipsm.ModeRoundRobin
	case config.SelectFavored:
		return ipsm.ModeFavored
	default:
		return ipsm.ModeRandom
	}
}

// Run drives the full main loop (spec.md §4.12) over this campaign's
// corpus until stopped.
func (c *Campaign) Run(ctx context.Context) error {
	fz := &fuzzer.Fuzzer{Cfg: c.Cfg, Env: config.ReadEnv(), Layout: c.Layout, Queue: c.Queue, IPSM: c.IPSM, Rng: c.Rng}

	cull := func(target protocolapi.StateID) {
		queue.Cull(c.Queue.All(), c.Favs, target)
	}
	chooseSeed := func(target protocolapi.StateID) *queue.Entry {
		return ipsm.SelectSeed(c.Queue.All(), target, c.Rng)
	}

	stalls := make(map[int]*oracle.StallCounter)
	budget := oracle.NewBudget(1000)

	fuzzOne := func(ctx context.Context, entry *queue.Entry, target protocolapi.StateID) error {
		buf, err := os.ReadFile(entry.Path)
		if err != nil {
			return fmt.Errorf("reading queue entry %s: %w", entry.Path, err)
		}

		stall := stalls[entry.ID]
		if stall == nil {
			stall = &oracle.StallCounter{}
			stalls[entry.ID] = stall
		}
		dialogue := c.messagePayloads(buf)

		avg := c.Queue.FleetAverages()
		score := queue.CalculateScore(entry, avg)
		trials := int(score)

		params := iteration.Params{
			StateAware:      c.Cfg.StateAware,
			RegionLevel:     c.Cfg.RegionLevel,
			WorkerCount:     1,
			WorkerID:        c.Cfg.WorkerID,
			HavocTrialsBase: trials,
			Dict:            c.Dict,
			Oracle:          c.Oracle,
			OracleBudget:    budget,
		}

		exec := c.asRecordingExecutor(ctx, entry, target)
		res, err := iteration.RunOne(ctx, entry, buf, target, params, stall, dialogue, exec, c.Rng)
		if err != nil {
			return err
		}
		if res.Probed {
			fz.ChatCount++
		}
		fz.UniqueCrashes = c.UniqueCrashes
		fz.UniqueHangs = c.UniqueHangs
		c.chatCount = fz.ChatCount
		c.cyclesDone = fz.CyclesDone
		c.publishSnapshot(target)
		c.Rng.Tick()
		return nil
	}

	return fz.Run(ctx, selectionMode(c.Cfg.StateSelect), cull, chooseSeed, fuzzOne)
}

// messagePayloads splits buf into its protocol message byte slices, the
// "dialogue" the stall-recovery prompt is built from (spec §4.9).
func (c *Campaign) messagePayloads(buf []byte) [][]byte {
	regions := c.Plugin.ExtractRequests(buf)
	out := make([][]byte, 0, len(regions))
	for _, r := range regions {
		out = append(out, buf[r.Start:r.End])
	}
	return out
}

// asRecordingExecutor adapts Campaign.Execute to mutate.Executor with the
// bookkeeping every trial execution must perform regardless of outcome: IPSM per-state
// fuzzs/paths (spec §4.6 "every execution"), crash/hang triage and
// persistence (spec §7), and new-coverage seed persistence (spec §4.5
// "Append").
func (c *Campaign) asRecordingExecutor(ctx context.Context, parent *queue.Entry, target protocolapi.StateID) mutate.Executor {
	return execFunc(func(buf []byte) (uint64, bool, error) {
		res, err := c.Execute(ctx, buf)
		if err != nil {
			return 0, false, err
		}

		if len(res.States) > 0 {
			c.IPSM.RecordExecution(res.States, false)
		}

		switch res.Outcome {
		case forkserver.Crash:
			c.recordFault(ctx, buf, res, parent, target, true)
		case forkserver.Timeout:
			c.recordFault(ctx, buf, res, parent, target, false)
		}

		if res.NewCov && res.Outcome == forkserver.None {
			c.recordNewSeed(buf, res, target)
		}

		return res.Checksum, res.NewCov, nil
	})
}

// recordNewSeed persists a mutation trial that discovered new coverage as a
// fresh queue entry (spec §4.5 "Append"), following the teacher's
// uuid-suffixed artifact naming for collision-free filenames across resumed
// sessions (grounds google/uuid per SPEC_FULL.md §2).
func (c *Campaign) recordNewSeed(buf []byte, res ExecResult, target protocolapi.StateID) {
	name := fmt.Sprintf("id:%06d,src:seed,%s", c.Queue.Len(), uuid.NewString())
	path := filepath.Join(c.Layout.Queue(), name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		flog.Warnf("persisting new seed: %v", err)
		return
	}

	entry := queue.NewEntry(0, path, len(buf), 0, target, c.deriveRegionsWithStates(buf, res))
	entry.HasNewCov = true
	id := c.Queue.Append(entry)
	c.IPSM.RecordDiscovery(target, id)
}

// deriveRegionsWithStates builds region boundaries from the protocol
// plugin and attaches each region's observed response-state sequence from
// the just-completed execution (spec §3 "Regions": "States is the sequence
// of server response codes observed after this region's message was
// sent").
func (c *Campaign) deriveRegionsWithStates(buf []byte, res ExecResult) []queue.Region {
	msgs := c.Plugin.ExtractRequests(buf)
	regions := make([]queue.Region, 0, len(msgs))
	for i, m := range msgs {
		var states []protocolapi.StateID
		if i < len(res.Net.Responses) {
			states = c.Plugin.ExtractResponseCodes(res.Net.Responses[i])
		}
		regions = append(regions, queue.Region{Start: m.Start, End: m.End, States: states})
	}
	if len(regions) == 0 && len(buf) > 0 {
		regions = append(regions, queue.Region{Start: 0, End: len(buf)})
	}
	return regions
}

// recordFault writes a crash or hang artifact under the appropriate
// replayable-* directory (spec §7), novelty-gated against a dedicated
// simplified-bitmap virgin map so repeated identical faults don't flood the
// directory.
func (c *Campaign) recordFault(ctx context.Context, buf []byte, res ExecResult, parent *queue.Entry, target protocolapi.StateID, crash bool) {
	virgin := c.crashVirgin
	dir := c.Layout.ReplayableCrashes()
	sig := 11
	if !crash {
		virgin = c.hangVirgin
		dir = c.Layout.ReplayableHangs()
		sig = 0
	}

	simplified := bitmap.NewMap(res.Trace.Len())
	copy(simplified.Bytes(), res.Trace.Bytes())
	bitmap.Simplify(simplified)
	if bitmap.HasNewBits(virgin, simplified) == bitmap.NoNovelty {
		return
	}

	if !c.confirmFault(ctx, buf, crash) {
		return
	}

	if crash {
		c.UniqueCrashes++
	} else {
		c.UniqueHangs++
	}

	name := persist.FormatCrashName(persist.CrashFields{
		ID:     c.UniqueCrashes + c.UniqueHangs,
		Sig:    sig,
		Src:    parent.ID,
		Op:     "havoc",
		Pos:    0,
		Val:    "0",
		NewCov: res.NewCov,
	})
	if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
		flog.Warnf("persisting fault artifact: %v", err)
	}
}
