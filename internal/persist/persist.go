// Package persist implements the on-disk campaign layout, stats/plot
// reporting, and resume support (spec.md §4.11, component C11).
//
// The output directory is advisory-locked at startup with golang.org/x/sys/unix's
// flock wrapper (the same dependency internal/shm uses for SysV shared
// memory), so only one fuzzer instance ever owns it (spec §5 "Shared
// resources").
package persist

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Layout names every directory and file under the output directory (spec
// §4.11).
type Layout struct {
	Root string
}

func NewLayout(root string) *Layout { return &Layout{Root: root} }

func (l *Layout) Queue() string                     { return filepath.Join(l.Root, "queue") }
func (l *Layout) QueueStateDeterministicDone() string { return filepath.Join(l.Root, "queue", ".state", "deterministic_done") }
func (l *Layout) QueueStateAutoExtras() string       { return filepath.Join(l.Root, "queue", ".state", "auto_extras") }
func (l *Layout) QueueStateRedundantEdges() string   { return filepath.Join(l.Root, "queue", ".state", "redundant_edges") }
func (l *Layout) QueueStateVariableBehavior() string { return filepath.Join(l.Root, "queue", ".state", "variable_behavior") }
func (l *Layout) ReplayableCrashes() string          { return filepath.Join(l.Root, "replayable-crashes") }
func (l *Layout) ReplayableHangs() string            { return filepath.Join(l.Root, "replayable-hangs") }
func (l *Layout) ReplayableQueue() string            { return filepath.Join(l.Root, "replayable-queue") }
func (l *Layout) Regions() string                    { return filepath.Join(l.Root, "regions") }
func (l *Layout) ReplayableNewIPSMPaths() string      { return filepath.Join(l.Root, "replayable-new-ipsm-paths") }
func (l *Layout) ResponsesIPSM() string              { return filepath.Join(l.Root, "responses-ipsm") }
func (l *Layout) ProtocolGrammars() string           { return filepath.Join(l.Root, "protocol-grammars") }
func (l *Layout) StallInteractions() string          { return filepath.Join(l.Root, "stall-interactions") }
func (l *Layout) FuzzerStats() string                { return filepath.Join(l.Root, "fuzzer_stats") }
func (l *Layout) FuzzBitmap() string                 { return filepath.Join(l.Root, "fuzz_bitmap") }
func (l *Layout) PlotData() string                   { return filepath.Join(l.Root, "plot_data") }
func (l *Layout) IPSMDot() string                    { return filepath.Join(l.Root, "ipsm.dot") }
func (l *Layout) LockFile() string                   { return filepath.Join(l.Root, ".fuzzer.lock") }

// dirs lists every directory EnsureDirs must create.
func (l *Layout) dirs() []string {
	return []string{
		l.Queue(),
		l.QueueStateDeterministicDone(),
		l.QueueStateAutoExtras(),
		l.QueueStateRedundantEdges(),
		l.QueueStateVariableBehavior(),
		l.ReplayableCrashes(),
		l.ReplayableHangs(),
		l.ReplayableQueue(),
		l.Regions(),
		l.ReplayableNewIPSMPaths(),
		l.ResponsesIPSM(),
		l.ProtocolGrammars(),
		l.StallInteractions(),
	}
}

// EnsureDirs creates the full output-directory tree.
func (l *Layout) EnsureDirs() error {
	for _, d := range l.dirs() {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// Lock is an advisory exclusive lock on the output directory (spec §5
// "Output directory: exclusively locked at startup; only one fuzzer
// instance owns it").
type Lock struct {
	f *os.File
}

// AcquireLock opens (creating if needed) and flock(2)s the lock file
// non-blocking; a held lock from another live instance returns an error
// immediately rather than hanging.
func AcquireLock(l *Layout) (*Lock, error) {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(l.LockFile(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("output directory %s is locked by another instance: %w", l.Root, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file.
func (lk *Lock) Release() error {
	if lk == nil || lk.f == nil {
		return nil
	}
	_ = unix.Flock(int(lk.f.Fd()), unix.LOCK_UN)
	return lk.f.Close()
}

// Stats mirrors fuzzer_stats' line-oriented "key : value" fields (spec §6).
type Stats struct {
	StartTime      time.Time
	LastUpdate     time.Time
	CyclesDone     int
	ExecsDone      int64
	ExecsPerSec    float64
	PathsTotal     int
	PathsFavored   int
	PendingTotal   int
	PendingFavs    int
	CurPath        int
	BitmapCvg      float64
	UniqueCrashes  int
	UniqueHangs    int
	MaxDepth       int
	ExecTimeout    time.Duration
	ChatCount      int
}

// WriteStats overwrites the fuzzer_stats file with the current stats
// snapshot (spec §4.11 "rewritten periodically").
func WriteStats(path string, s Stats) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "start_time   : %d\n", s.StartTime.Unix())
	fmt.Fprintf(w, "last_update  : %d\n", s.LastUpdate.Unix())
	fmt.Fprintf(w, "cycles_done  : %d\n", s.CyclesDone)
	fmt.Fprintf(w, "execs_done   : %d\n", s.ExecsDone)
	fmt.Fprintf(w, "execs_per_sec: %.2f\n", s.ExecsPerSec)
	fmt.Fprintf(w, "paths_total  : %d\n", s.PathsTotal)
	fmt.Fprintf(w, "paths_favored: %d\n", s.PathsFavored)
	fmt.Fprintf(w, "pending_total: %d\n", s.PendingTotal)
	fmt.Fprintf(w, "pending_favs : %d\n", s.PendingFavs)
	fmt.Fprintf(w, "cur_path     : %d\n", s.CurPath)
	fmt.Fprintf(w, "bitmap_cvg   : %.2f%%\n", s.BitmapCvg)
	fmt.Fprintf(w, "unique_crashes: %d\n", s.UniqueCrashes)
	fmt.Fprintf(w, "unique_hangs : %d\n", s.UniqueHangs)
	fmt.Fprintf(w, "max_depth    : %d\n", s.MaxDepth)
	fmt.Fprintf(w, "exec_timeout : %d\n", int(s.ExecTimeout.Milliseconds()))
	fmt.Fprintf(w, "chat_count   : %d\n", s.ChatCount)
	return w.Flush()
}

// ReadStats parses fuzzer_stats back, reading cur_path, exec_timeout,
// cycles_done, unique_crashes, unique_hangs, max_depth and chat_count.
// `ssfuzz run --resume` does not call it.
func ReadStats(path string) (Stats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, line := range strings.Split(string(data), "\n") {
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		switch key {
		case "cur_path":
			s.CurPath, _ = strconv.Atoi(val)
		case "exec_timeout":
			ms, _ := strconv.Atoi(val)
			s.ExecTimeout = time.Duration(ms) * time.Millisecond
		case "cycles_done":
			s.CyclesDone, _ = strconv.Atoi(val)
		case "unique_crashes":
			s.UniqueCrashes, _ = strconv.Atoi(val)
		case "unique_hangs":
			s.UniqueHangs, _ = strconv.Atoi(val)
		case "max_depth":
			s.MaxDepth, _ = strconv.Atoi(val)
		case "chat_count":
			s.ChatCount, _ = strconv.Atoi(val)
		}
	}
	return s, nil
}

// PlotRow is one plot_data CSV row (spec §6 column list).
type PlotRow struct {
	UnixTime      int64
	CyclesDone    int
	CurPath       int
	PathsTotal    int
	PendingTotal  int
	PendingFavs   int
	CoveragePct   float64
	UniqueCrashes int
	UniqueHangs   int
	MaxDepth      int
	ExecsPerSec   float64
	NNodes        int
	NEdges        int
	ChatCount     int
}

var plotHeader = "unix_time,cycles_done,cur_path,paths_total,pending_total,pending_favs," +
	"coverage_pct,unique_crashes,unique_hangs,max_depth,execs_per_sec,n_nodes,n_edges,chat_count\n"

// AppendPlotRow appends one CSV row to plot_data, writing the header first
// if the file is new (spec §6 "plot_data").
func AppendPlotRow(path string, row PlotRow) error {
	_, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if os.IsNotExist(statErr) {
		if _, err := f.WriteString(plotHeader); err != nil {
			return err
		}
	}
	line := fmt.Sprintf("%d,%d,%d,%d,%d,%d,%.4f,%d,%d,%d,%.2f,%d,%d,%d\n",
		row.UnixTime, row.CyclesDone, row.CurPath, row.PathsTotal, row.PendingTotal,
		row.PendingFavs, row.CoveragePct, row.UniqueCrashes, row.UniqueHangs,
		row.MaxDepth, row.ExecsPerSec, row.NNodes, row.NEdges, row.ChatCount)
	_, err = f.WriteString(line)
	return err
}

// WriteBitmap persists the raw virgin bitmap (spec §6 "fuzz_bitmap is the
// raw 2^16-byte virgin bitmap").
func WriteBitmap(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

// ReadBitmap reads a previously persisted virgin bitmap back, used on
// resume.
func ReadBitmap(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// CrashFields names the structured crash/hang filename fields (spec §7
// "id:NNNNNN,sig:SS,src:SSSSSS,op:NAME,pos:P,val:V,+cov").
type CrashFields struct {
	ID       int
	Sig      int
	Src      int
	Op       string
	Pos      int
	Val      string
	NewCov   bool
}

// FormatCrashName builds the structured filename spec §7 mandates.
func FormatCrashName(f CrashFields) string {
	name := fmt.Sprintf("id:%06d,sig:%02d,src:%06d,op:%s,pos:%d,val:%s",
		f.ID, f.Sig, f.Src, f.Op, f.Pos, f.Val)
	if f.NewCov {
		name += ",+cov"
	}
	return name
}

// SortedEntries is a small helper so callers that need a stable directory
// listing (e.g. replay, showmap) don't each re-implement os.ReadDir+sort.
func SortedEntries(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
