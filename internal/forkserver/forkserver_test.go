package forkserver

import (
	"context"
	"testing"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/config"
)

// S5 — Fork-server timeout (spec.md §8): target sleeps 10x the timeout;
// the driver fires its timer, kills the child, and returns Timeout.
func TestExecuteDirect_Timeout(t *testing.T) {
	d := New(Options{
		Cmd:         "sleep",
		Args:        []string{"10"},
		ExecTimeout: 50 * time.Millisecond,
	})

	outcome, err := d.executeDirect(context.Background())
	if err != nil {
		t.Fatalf("executeDirect error: %v", err)
	}
	if outcome != Timeout {
		t.Fatalf("outcome = %v, want Timeout", outcome)
	}
}

func TestExecuteDirect_Success(t *testing.T) {
	d := New(Options{
		Cmd:         "true",
		ExecTimeout: 1 * time.Second,
	})
	outcome, err := d.executeDirect(context.Background())
	if err != nil {
		t.Fatalf("executeDirect error: %v", err)
	}
	if outcome != None && outcome != NoInstrumentation {
		t.Fatalf("outcome = %v, want None or NoInstrumentation", outcome)
	}
}

func TestNewDefaultsToPipeTransport(t *testing.T) {
	d := New(Options{Cmd: "true"})
	if d.transport != config.TransportPipe {
		t.Fatalf("transport = %v, want %v", d.transport, config.TransportPipe)
	}
}

func TestNewHonorsVsockTransport(t *testing.T) {
	d := New(Options{
		Cmd:       "true",
		Transport: config.TransportVsock,
		VMPort:    52,
	})
	if d.transport != config.TransportVsock {
		t.Fatalf("transport = %v, want %v", d.transport, config.TransportVsock)
	}
	if d.vmPort != 52 {
		t.Fatalf("vmPort = %d, want 52", d.vmPort)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{
		None:              "none",
		Timeout:           "timeout",
		Crash:             "crash",
		Err:               "error",
		NoInstrumentation: "no-instrumentation",
		NoBits:            "no-bits",
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Fatalf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
}
