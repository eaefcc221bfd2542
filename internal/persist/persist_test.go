package persist

import (
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureDirsAndLock(t *testing.T) {
	dir := t.TempDir()
	l := NewLayout(dir)
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	lock, err := AcquireLock(l)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := AcquireLock(l); err == nil {
		t.Fatalf("expected second AcquireLock to fail while first is held")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	lock2, err := AcquireLock(l)
	if err != nil {
		t.Fatalf("AcquireLock after release: %v", err)
	}
	lock2.Release()
}

func TestStats_WriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fuzzer_stats")
	s := Stats{
		StartTime:     time.Unix(1000, 0),
		LastUpdate:    time.Unix(2000, 0),
		CyclesDone:    3,
		CurPath:       42,
		ExecTimeout:   1500 * time.Millisecond,
		UniqueCrashes: 2,
		UniqueHangs:   1,
		MaxDepth:      7,
		ChatCount:     5,
	}
	if err := WriteStats(path, s); err != nil {
		t.Fatalf("WriteStats: %v", err)
	}
	got, err := ReadStats(path)
	if err != nil {
		t.Fatalf("ReadStats: %v", err)
	}
	if got.CurPath != 42 {
		t.Fatalf("CurPath = %d, want 42", got.CurPath)
	}
	if got.ExecTimeout != 1500*time.Millisecond {
		t.Fatalf("ExecTimeout = %v, want 1500ms", got.ExecTimeout)
	}
	if got.MaxDepth != 7 || got.ChatCount != 5 {
		t.Fatalf("unexpected roundtrip: %+v", got)
	}
}

func TestAppendPlotRow_WritesHeaderOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plot_data")
	row := PlotRow{UnixTime: 1, CyclesDone: 1, PathsTotal: 1}
	if err := AppendPlotRow(path, row); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := AppendPlotRow(path, row); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	data, err := ReadBitmap(path) // reuse plain os.ReadFile wrapper
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 3 { // 1 header + 2 rows
		t.Fatalf("expected 3 lines, got %d:\n%s", lines, data)
	}
}

func TestFormatCrashName(t *testing.T) {
	name := FormatCrashName(CrashFields{ID: 7, Sig: 11, Src: 3, Op: "havoc", Pos: 5, Val: "0x41", NewCov: true})
	want := "id:000007,sig:11,src:000003,op:havoc,pos:5,val:0x41,+cov"
	if name != want {
		t.Fatalf("FormatCrashName = %q, want %q", name, want)
	}
}
