package oracle

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
)

// StallThreshold is the number of consecutive non-interesting iterations
// that triggers a speculative LLM probe (spec §4.8 step 2, §4.9 "Stall
// recovery").
const StallThreshold = 500

// Budget tracks the oracle-query allowance for stall recovery so a flaky
// or expensive endpoint cannot be hammered indefinitely (spec §4.9 "the
// LLM-query budget is not exhausted").
type Budget struct {
	remaining int
}

// NewBudget returns a Budget allowing n further oracle calls.
func NewBudget(n int) *Budget { return &Budget{remaining: n} }

// Exhausted reports whether no calls remain.
func (b *Budget) Exhausted() bool { return b.remaining <= 0 }

// Spend consumes one call from the budget.
func (b *Budget) Spend() {
	if b.remaining > 0 {
		b.remaining--
	}
}

// StallCounter tracks consecutive non-interesting iterations for one seed.
type StallCounter struct {
	count int
}

// Record updates the counter; interesting resets it to zero.
func (s *StallCounter) Record(interesting bool) {
	if interesting {
		s.count = 0
		return
	}
	s.count++
}

// Stalled reports whether the counter has crossed StallThreshold.
func (s *StallCounter) Stalled() bool { return s.count > StallThreshold }

// Count exposes the raw counter value, e.g. for plot_data reporting.
func (s *StallCounter) Count() int { return s.count }

// Probe asks the oracle for a plausible next request given the dialogue
// prefix recorded so far for this seed (spec §4.8 step 2). ok is false if
// the budget is exhausted, the oracle returned nothing, or the decoded
// reply is identical to the dialogue's last request — any of which means
// the caller should skip the speculative probe this iteration.
func Probe(ctx context.Context, o Oracle, budget *Budget, protocol string, dialoguePrefix [][]byte) (next []byte, ok bool) {
	if budget.Exhausted() {
		return nil, false
	}
	budget.Spend()

	prompt := buildStallPrompt(protocol, dialoguePrefix)
	text, got := o.Chat(ctx, prompt, 2, 0.7)
	if !got {
		return nil, false
	}
	decoded, err := decodeHex(text)
	if err != nil || len(decoded) == 0 {
		return nil, false
	}
	if len(dialoguePrefix) > 0 && bytesEqual(decoded, dialoguePrefix[len(dialoguePrefix)-1]) {
		return nil, false
	}
	return decoded, true
}

func buildStallPrompt(protocol string, dialoguePrefix [][]byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "The %q protocol fuzzing session has stalled. Dialogue so far:\n", protocol)
	for i, msg := range dialoguePrefix {
		fmt.Fprintf(&sb, "request %d (hex): %x\n", i, msg)
	}
	sb.WriteString("Suggest a plausible next request as hex bytes only.")
	return sb.String()
}

// decodeHex decodes a hex string, tolerating surrounding whitespace and an
// optional "0x" prefix, the two most common ways an LLM decorates a hex
// answer.
func decodeHex(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "\n", "")
	return hex.DecodeString(s)
}
