// Package cli implements the cobra command tree (run/calibrate/replay/
// showmap) and the Campaign type that wires the twelve components together
// into an executable fuzzing session. Adapted from the teacher's
// internal/cmd, generalized from Deephaven-server lifecycle management to
// fuzz-campaign lifecycle management.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/bitmap"
	"github.com/dsmmcken/ssfuzz/internal/calibrate"
	"github.com/dsmmcken/ssfuzz/internal/childvm"
	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/flog"
	"github.com/dsmmcken/ssfuzz/internal/forkserver"
	"github.com/dsmmcken/ssfuzz/internal/grammar"
	"github.com/dsmmcken/ssfuzz/internal/ipsm"
	"github.com/dsmmcken/ssfuzz/internal/mutate"
	"github.com/dsmmcken/ssfuzz/internal/netdriver"
	"github.com/dsmmcken/ssfuzz/internal/oracle"
	"github.com/dsmmcken/ssfuzz/internal/persist"
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
	"github.com/dsmmcken/ssfuzz/internal/rng"
	"github.com/dsmmcken/ssfuzz/internal/shm"
	"github.com/dsmmcken/ssfuzz/internal/statusui"

	_ "github.com/dsmmcken/ssfuzz/internal/protocolapi/builtin"
)

// Campaign owns every live resource a fuzzing session needs: the
// fork-server child, its shared-memory bitmap, the coverage virgin map, and
// the corpus/IPSM/oracle state. It is the composition root the cli commands
// drive; none of the component packages know about each other directly.
type Campaign struct {
	Cfg    config.Config
	Layout *persist.Layout
	Lock   *persist.Lock

	Plugin protocolapi.Plugin
	Driver *forkserver.Driver
	Shm    *bitmap.Map // view over the fork-server's shared-memory segment

	Virgin  *bitmap.Map
	Queue   *queue.Queue
	Favs    *queue.Favorites
	IPSM    *ipsm.Graph
	Grammar *grammar.Store
	Dict    *mutate.Dictionary
	Oracle  oracle.Oracle
	Rng     *rng.Source

	crashVirgin *bitmap.Map
	hangVirgin  *bitmap.Map

	UniqueCrashes int
	UniqueHangs   int

	chatCount  int
	cyclesDone int

	segment    *shm.Segment
	snapshotCh chan<- statusui.Snapshot
}

// Subscribe returns a channel of status snapshots published once per fuzz
// iteration, and switches the Campaign into publishing mode. Meant for
// `ssfuzz run --ui`, where the cli layer hands the receive end to a
// statusui.Model; the core loop never imports statusui itself.
func (c *Campaign) Subscribe() <-chan statusui.Snapshot {
	ch := make(chan statusui.Snapshot, 1)
	c.snapshotCh = ch
	return ch
}

// publishSnapshot sends the current campaign status on the subscribed
// channel, dropping it instead of blocking if the subscriber is slow — the
// display is best-effort and must never stall fuzzing.
func (c *Campaign) publishSnapshot(target protocolapi.StateID) {
	if c.snapshotCh == nil {
		return
	}
	favored := 0
	for _, e := range c.Queue.All() {
		if e.Favored {
			favored++
		}
	}
	cvg := 0.0
	if c.Virgin.Len() > 0 {
		cvg = float64(bitmap.CountNon255Bytes(c.Virgin)) / float64(c.Virgin.Len()) * 100
	}
	snap := statusui.Snapshot{
		CyclesDone:    c.cyclesDone,
		PathsTotal:    c.Queue.Len(),
		PathsFavored:  favored,
		BitmapCvg:     cvg,
		TargetState:   target,
		UniqueCrashes: c.UniqueCrashes,
		UniqueHangs:   c.UniqueHangs,
		ChatCount:     c.chatCount,
	}
	select {
	case c.snapshotCh <- snap:
	default:
	}
}

// NewCampaign builds a Campaign ready to run: starts the fork-server child
// and restores the virgin bitmap and IPSM graph persisted in the output
// directory, if present. It does not load the seed corpus; LoadCorpus does.
func NewCampaign(ctx context.Context, cfg config.Config) (*Campaign, error) {
	plugin, ok := protocolapi.Lookup(cfg.Protocol)
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q (known: %v)", cfg.Protocol, protocolapi.Names())
	}

	layout := persist.NewLayout(cfg.OutputDir)
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("preparing output directory: %w", err)
	}
	lock, err := persist.AcquireLock(layout)
	if err != nil {
		return nil, err
	}

	seg, err := shm.Create(bitmap.DefaultSize)
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("allocating coverage shared memory: %w", err)
	}

	var cmd string
	var args []string
	if len(cfg.TargetCmd) > 0 {
		cmd, args = cfg.TargetCmd[0], cfg.TargetCmd[1:]
	}
	driver := forkserver.New(forkserver.Options{
		Cmd:         cmd,
		Args:        args,
		ExecTimeout: cfg.ExecTimeout,
		MemLimitMB:  cfg.MemLimitMB,
		Bitmap:      seg,
		NetNS:       cfg.NetNS,
		Transport:   cfg.ChildTransport,
		VM: childvm.Config{
			KernelImagePath: cfg.VMKernelImage,
			RootfsPath:      cfg.VMRootfs,
			VCPUCount:       cfg.VMVCPUCount,
			MemSizeMB:       cfg.VMMemSizeMB,
			VsockUDSPath:    cfg.VMVsockUDS,
			GuestCID:        cfg.VMGuestCID,
		},
		VMPort: cfg.VMGuestPort,
	})
	if cmd != "" {
		if err := driver.Start(); err != nil {
			flog.Warnf("fork-server unavailable, falling back to direct exec: %v", err)
		}
	}

	virgin := bitmap.NewVirgin(bitmap.DefaultSize)
	if data, err := persist.ReadBitmap(layout.FuzzBitmap()); err == nil && len(data) == len(virgin.Bytes()) {
		copy(virgin.Bytes(), data)
	}

	graph := ipsm.New()
	if f, err := os.Open(layout.IPSMDot()); err == nil {
		restored, err := ipsm.RestoreFromDOT(f)
		f.Close()
		if err != nil {
			flog.Warnf("restoring ipsm.dot: %v", err)
		} else {
			graph = restored
		}
	}

	var o oracle.Oracle = &oracle.StubOracle{}
	if cfg.LLMProtocolTag != "" {
		// LLM endpoint wiring is left to the caller via SetOracle; a stub
		// keeps the campaign fully functional with the oracle degraded off.
	}

	c := &Campaign{
		Cfg:     cfg,
		Layout:  layout,
		Lock:    lock,
		Plugin:  plugin,
		Driver:  driver,
		Shm:     bitmap.Wrap(seg.Bytes()),
		Virgin:  virgin,
		Queue:   queue.New(),
		Favs:    queue.NewFavorites(bitmap.DefaultSize),
		IPSM:    graph,
		Grammar: grammar.NewStore(),
		Dict:    mutate.NewDictionary(64),
		Oracle:  o,
		Rng:         rng.New(),
		crashVirgin: bitmap.NewVirgin(bitmap.DefaultSize),
		hangVirgin:  bitmap.NewVirgin(bitmap.DefaultSize),
		segment:     seg,
	}
	return c, nil
}

// SetOracle overrides the default stub, used once the cli layer has parsed
// --llm-endpoint/--llm-key/--llm-model.
func (c *Campaign) SetOracle(o oracle.Oracle) { c.Oracle = o }

// Close tears down the fork-server child and releases shared memory and
// the output-directory lock (spec §4.12 "every exit path").
func (c *Campaign) Close() {
	if c.Driver != nil {
		c.Driver.Stop()
	}
	if c.segment != nil {
		if err := c.segment.Close(); err != nil {
			flog.Warnf("closing shared memory: %v", err)
		}
	}
	if err := persist.WriteBitmap(c.Layout.FuzzBitmap(), c.Virgin.Bytes()); err != nil {
		flog.Warnf("persisting virgin bitmap: %v", err)
	}
	c.Lock.Release()
}

// ExecResult is the full outcome of one buffer execution against the live
// target, combining the fork-server's process-level verdict with the
// network driver's message-level observations.
type ExecResult struct {
	Outcome   forkserver.Outcome
	Net       netdriver.Result
	Trace     *bitmap.Map // classified copy of the shared bitmap
	Checksum  uint64
	NewCov    bool
	States    []protocolapi.StateID
	ElapsedUS int64
}

// Execute runs buf once end to end (spec §4.2 + §4.3 interplay): the
// fork-server's control/status cycle and the network driver's message
// delivery run concurrently, since the former blocks on the child's exit
// status for the whole execution window while the latter is what actually
// drives the child's behavior during that window. This is the one place
// the single-threaded cooperative model (spec §5) steps outside strict
// sequential execution, and only for the duration of one execution.
func (c *Campaign) Execute(ctx context.Context, buf []byte) (ExecResult, error) {
	start := time.Now()
	messages := c.Plugin.ExtractRequests(buf)
	var payloads [][]byte
	for _, r := range messages {
		payloads = append(payloads, buf[r.Start:r.End])
	}

	var res ExecResult
	var execErr, netErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		res.Outcome, execErr = c.Driver.Execute(ctx)
	}()

	sampler := func() *bitmap.Map { return c.Shm }
	res.Net, netErr = netdriver.Deliver(ctx, c.Cfg.Network, payloads, c.Cfg, sampler)
	<-done

	if execErr != nil {
		return res, execErr
	}
	if netErr != nil {
		return res, netErr
	}

	res.Trace = bitmap.NewMap(c.Shm.Len())
	copy(res.Trace.Bytes(), c.Shm.Bytes())
	bitmap.Classify(res.Trace)
	res.Checksum = traceChecksum(res.Trace)
	res.NewCov = bitmap.HasNewBits(c.Virgin, res.Trace) != bitmap.NoNovelty

	for _, r := range res.Net.Responses {
		res.States = append(res.States, c.Plugin.ExtractResponseCodes(r)...)
	}
	res.ElapsedUS = time.Since(start).Microseconds()
	return res, nil
}

// traceChecksum hashes a classified bitmap for effector-map comparisons
// (spec §4.7 "effector map", the same role AFL's hash32 plays over the
// trace bits).
func traceChecksum(m *bitmap.Map) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for _, b := range m.Bytes() {
		h ^= uint64(b)
		h *= prime64
	}
	return h
}

// asCalibrateRunFunc adapts Campaign.Execute to calibrate.RunFunc.
func (c *Campaign) asCalibrateRunFunc(ctx context.Context) calibrate.RunFunc {
	return func(buf []byte) (uint64, int64, *bitmap.Map, forkserver.Outcome, error) {
		res, err := c.Execute(ctx, buf)
		if err != nil {
			return 0, 0, nil, forkserver.Err, err
		}
		return res.Checksum, res.ElapsedUS, res.Trace, res.Outcome, nil
	}
}

type execFunc func(buf []byte) (uint64, bool, error)

func (f execFunc) Run(buf []byte) (uint64, bool, error) { return f(buf) }

// confirmFault re-runs buf once with a TriageMultiplier'd timeout before a
// suspected crash or hang is accepted as confirmed (spec §7), grounded on
// queue.TriageCrash/TriageHang. The driver's timeout is restored afterward
// regardless of outcome.
func (c *Campaign) confirmFault(ctx context.Context, buf []byte, crash bool) bool {
	if c.Driver == nil {
		return true
	}
	normal := c.Cfg.ExecTimeout
	c.Driver.SetExecTimeout(time.Duration(float64(normal) * queue.TriageMultiplier))
	defer c.Driver.SetExecTimeout(normal)

	rerun := func(buf []byte) (forkserver.Outcome, error) {
		res, err := c.Execute(ctx, buf)
		return res.Outcome, err
	}

	var confirmed bool
	var err error
	if crash {
		confirmed, err = queue.TriageCrash(buf, rerun)
	} else {
		confirmed, err = queue.TriageHang(buf, rerun)
	}
	if err != nil {
		flog.Warnf("triage re-run failed, accepting fault as-is: %v", err)
		return true
	}
	return confirmed
}
