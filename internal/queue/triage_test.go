package queue

import (
	"errors"
	"testing"

	"github.com/dsmmcken/ssfuzz/internal/forkserver"
)

func TestTriageCrash_Confirms(t *testing.T) {
	rerun := func(buf []byte) (forkserver.Outcome, error) { return forkserver.Crash, nil }
	confirmed, err := TriageCrash(nil, rerun)
	if err != nil {
		t.Fatal(err)
	}
	if !confirmed {
		t.Fatalf("expected crash to be confirmed")
	}
}

func TestTriageCrash_FlakyNotConfirmed(t *testing.T) {
	rerun := func(buf []byte) (forkserver.Outcome, error) { return forkserver.None, nil }
	confirmed, err := TriageCrash(nil, rerun)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed {
		t.Fatalf("expected non-reproducing crash to be rejected")
	}
}

func TestTriageHang_Confirms(t *testing.T) {
	rerun := func(buf []byte) (forkserver.Outcome, error) { return forkserver.Timeout, nil }
	confirmed, err := TriageHang(nil, rerun)
	if err != nil {
		t.Fatal(err)
	}
	if !confirmed {
		t.Fatalf("expected hang to be confirmed")
	}
}

func TestTriage_RerunError(t *testing.T) {
	wantErr := errors.New("rerun failed")
	rerun := func(buf []byte) (forkserver.Outcome, error) { return forkserver.Err, wantErr }
	if _, err := TriageCrash(nil, rerun); !errors.Is(err, wantErr) {
		t.Fatalf("expected rerun error to propagate, got %v", err)
	}
}
