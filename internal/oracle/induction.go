package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dsmmcken/ssfuzz/internal/grammar"
)

// TemplateConsistencyCount is how many times grammar induction repeats its
// query before compiling the most-agreed templates (spec §4.9 "Repeat
// TEMPLATE_CONSISTENCY_COUNT times").
const TemplateConsistencyCount = 5

// MinTemplateVotes is the minimum vote count a (header, fields) pair needs
// to be compiled into the grammar store.
const MinTemplateVotes = 2

type templateCandidate struct {
	Header string `json:"header"`
	Fields string `json:"fields"`
}

// InductGrammar queries the oracle TemplateConsistencyCount times for
// message templates for the given protocol tag, accumulates (header,
// fields) votes, and compiles the winners into a grammar.Store (spec
// §4.9 "Grammar induction"). A failed or malformed response is skipped,
// never fatal — grammar induction degrades to an empty store, which
// Decompose already treats as whole-buffer-mutable.
func InductGrammar(ctx context.Context, o Oracle, protocol string) *grammar.Store {
	ballot := grammar.NewTemplateBallot()
	prompt := fmt.Sprintf(
		"List message templates for the %q protocol as a JSON array of "+
			"{\"header\":<regex>, \"fields\":<regex>} objects.", protocol)

	for i := 0; i < TemplateConsistencyCount; i++ {
		text, ok := o.Chat(ctx, prompt, 2, 0.2)
		if !ok {
			continue
		}
		var candidates []templateCandidate
		if err := json.Unmarshal([]byte(text), &candidates); err != nil {
			continue
		}
		for _, c := range candidates {
			if c.Header == "" {
				continue
			}
			ballot.Record(c.Header, c.Fields)
		}
	}

	winners := ballot.Winners(MinTemplateVotes)
	store, _ := grammar.CompileWinners(winners)
	return store
}

// EnrichmentResult is the output of EnrichSeed.
type EnrichmentResult struct {
	Buffer  []byte
	Changed bool
}

// EnrichSeed asks the oracle for a variant of seed that contains one of
// the message types in missingTypes (spec §4.9 "Seed enrichment"). If the
// oracle has nothing to add, or its answer is identical to seed, Changed
// is false and the caller should not write a new seed file.
func EnrichSeed(ctx context.Context, o Oracle, protocol string, seed []byte, missingTypes []string) EnrichmentResult {
	if len(missingTypes) == 0 {
		return EnrichmentResult{Buffer: seed}
	}
	prompt := fmt.Sprintf(
		"Given this %q protocol seed (hex): %x\nProduce a variant that also "+
			"includes a %q message. Respond with only the hex bytes.",
		protocol, seed, missingTypes[0])

	text, ok := o.Chat(ctx, prompt, 2, 0.5)
	if !ok {
		return EnrichmentResult{Buffer: seed}
	}
	decoded, err := decodeHex(text)
	if err != nil || len(decoded) == 0 {
		return EnrichmentResult{Buffer: seed}
	}
	if bytesEqual(decoded, seed) {
		return EnrichmentResult{Buffer: seed}
	}
	return EnrichmentResult{Buffer: decoded, Changed: true}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
