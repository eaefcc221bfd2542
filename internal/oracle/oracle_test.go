package oracle

import (
	"context"
	"encoding/hex"
	"testing"
)

// S6 — Stall recovery: uninteresting counter set above threshold, stub
// LLM returns a fixed string; Probe decodes it to a distinct message the
// caller can execute as a speculative request.
func TestProbe_S6(t *testing.T) {
	var counter StallCounter
	for i := 0; i <= StallThreshold; i++ {
		counter.Record(false)
	}
	if !counter.Stalled() {
		t.Fatalf("expected counter to be stalled after %d misses", StallThreshold+1)
	}

	fixed := hex.EncodeToString([]byte("GET /probe\r\n"))
	stub := &StubOracle{Canned: fixed}
	budget := NewBudget(1)

	prior := [][]byte{[]byte("GET /\r\n")}
	next, ok := Probe(context.Background(), stub, budget, "http", prior)
	if !ok {
		t.Fatalf("expected probe to succeed")
	}
	if string(next) != "GET /probe\r\n" {
		t.Fatalf("decoded probe = %q, want %q", next, "GET /probe\r\n")
	}

	counter.Record(true)
	if counter.Stalled() {
		t.Fatalf("counter should reset after an interesting iteration")
	}
}

func TestProbe_BudgetExhausted(t *testing.T) {
	stub := &StubOracle{Canned: hex.EncodeToString([]byte("x"))}
	budget := NewBudget(0)
	_, ok := Probe(context.Background(), stub, budget, "http", nil)
	if ok {
		t.Fatalf("expected probe to fail with exhausted budget")
	}
}

func TestProbe_NoOracleResponse(t *testing.T) {
	stub := &StubOracle{}
	budget := NewBudget(1)
	_, ok := Probe(context.Background(), stub, budget, "http", nil)
	if ok {
		t.Fatalf("expected probe to fail when oracle returns nothing")
	}
}

func TestInductGrammar_MalformedResponseDegradesGracefully(t *testing.T) {
	stub := &StubOracle{Canned: "not json"}
	store := InductGrammar(context.Background(), stub, "http")
	if store == nil {
		t.Fatalf("expected a non-nil (possibly empty) store")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store from malformed responses, got %d patterns", store.Len())
	}
}
