package fuzzer

import (
	"context"
	"testing"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/config"
	"github.com/dsmmcken/ssfuzz/internal/persist"
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
	"github.com/dsmmcken/ssfuzz/internal/queue"
)

func TestRun_NonStateAware_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	layout := persist.NewLayout(dir)
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}

	cfg := config.Defaults()
	cfg.StateAware = false
	fz := New(cfg, layout)
	fz.Queue.Append(queue.NewEntry(0, "seed", 4, -1, protocolapi.InitialState, nil))

	ctx, cancel := context.WithCancel(context.Background())
	iterations := 0
	fuzzOne := func(ctx context.Context, entry *queue.Entry, target protocolapi.StateID) error {
		iterations++
		if iterations >= 3 {
			cancel()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- fz.Run(ctx, 0, nil, nil, fuzzOne) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after context cancellation")
	}
	if iterations < 3 {
		t.Fatalf("expected at least 3 iterations, got %d", iterations)
	}

	if _, err := persist.ReadStats(layout.FuzzerStats()); err != nil {
		t.Fatalf("expected fuzzer_stats to be flushed on exit: %v", err)
	}
}

func TestRun_EmptyQueue_ReturnsImmediately(t *testing.T) {
	dir := t.TempDir()
	layout := persist.NewLayout(dir)
	layout.EnsureDirs()

	cfg := config.Defaults()
	cfg.StateAware = false
	fz := New(cfg, layout)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- fz.Run(ctx, 0, nil, nil, nil) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run with empty queue should return immediately")
	}
}

func TestRun_BenchUntilCrash_StopsOnFirstCrash(t *testing.T) {
	dir := t.TempDir()
	layout := persist.NewLayout(dir)
	layout.EnsureDirs()

	cfg := config.Defaults()
	cfg.StateAware = false
	fz := New(cfg, layout)
	fz.Env.BenchUntilCrash = true
	fz.Queue.Append(queue.NewEntry(0, "seed", 4, -1, protocolapi.InitialState, nil))

	iterations := 0
	fuzzOne := func(ctx context.Context, entry *queue.Entry, target protocolapi.StateID) error {
		iterations++
		if iterations == 2 {
			fz.UniqueCrashes = 1
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- fz.Run(context.Background(), 0, nil, nil, fuzzOne) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after a crash was found with bench-until-crash set")
	}
	if iterations != 2 {
		t.Fatalf("expected Run to stop right after the crash on iteration 2, ran %d iterations", iterations)
	}
}

func TestRun_ExitWhenDone_StopsAfterIdleRounds(t *testing.T) {
	dir := t.TempDir()
	layout := persist.NewLayout(dir)
	layout.EnsureDirs()

	cfg := config.Defaults()
	cfg.StateAware = false
	fz := New(cfg, layout)
	fz.Env.ExitWhenDone = true
	fz.Queue.Append(queue.NewEntry(0, "seed", 4, -1, protocolapi.InitialState, nil))

	fuzzOne := func(ctx context.Context, entry *queue.Entry, target protocolapi.StateID) error { return nil }

	done := make(chan error, 1)
	go func() { done <- fz.Run(context.Background(), 0, nil, nil, fuzzOne) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not stop after idleRoundLimit rounds with no new coverage")
	}
	if fz.idleRounds < idleRoundLimit {
		t.Fatalf("expected idleRounds >= %d, got %d", idleRoundLimit, fz.idleRounds)
	}
}
