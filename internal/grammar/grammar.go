// Package grammar implements the grammar/region store (spec.md §4.4,
// component C4): per-protocol header+field regex patterns learned from the
// LLM oracle, and the parse_buffer decomposition that splits a buffer into
// mutable and immutable byte ranges.
//
// spec.md §9 Open Questions explicitly allows any regex engine so long as
// the decomposition invariants hold; this package uses the standard
// library's regexp (see DESIGN.md for why no third-party regex engine from
// the pack was substituted).
package grammar

import (
	"regexp"
)

// Pattern is one learned (header, fields) template pair (spec §3 "Grammar
// store"): a literal header regex and a regex that finds further
// non-mutable spans within the remainder of the buffer.
type Pattern struct {
	Header *regexp.Regexp
	Fields *regexp.Regexp
}

// CompilePattern compiles a (header, fields) literal pair into anchored
// regexes. The header pattern is anchored to offset 0 per spec §4.4.
func CompilePattern(headerLiteral, fieldsLiteral string) (Pattern, error) {
	h, err := regexp.Compile(`\A(?:` + headerLiteral + `)`)
	if err != nil {
		return Pattern{}, err
	}
	f, err := regexp.Compile(fieldsLiteral)
	if err != nil {
		return Pattern{}, err
	}
	return Pattern{Header: h, Fields: f}, nil
}

// Range is a byte span with a mutability flag (spec §3 "A range").
type Range struct {
	Start   int
	Length  int
	Mutable bool
}

func (r Range) End() int { return r.Start + r.Length }

// Store holds the list of learned protocol patterns for one campaign.
type Store struct {
	patterns []Pattern
}

// NewStore constructs an empty Store; AddPattern is used to populate it,
// typically from internal/oracle's grammar-induction results (spec §4.9).
func NewStore() *Store { return &Store{} }

// AddPattern appends a compiled pattern, tried in append order by Decompose.
func (s *Store) AddPattern(p Pattern) { s.patterns = append(s.patterns, p) }

// Len reports how many patterns are loaded.
func (s *Store) Len() int { return len(s.patterns) }

// Decompose tries each pattern in order against buf. If a pattern's header
// regex matches at offset 0, that header becomes an immutable range, the
// fields regex is run against the remainder to find further immutable
// spans, and all other bytes become mutable ranges. If no pattern matches,
// the whole buffer is one mutable range — graceful degradation (spec §4.4).
func (s *Store) Decompose(buf []byte) []Range {
	for _, p := range s.patterns {
		loc := p.Header.FindIndex(buf)
		if loc == nil || loc[0] != 0 {
			continue
		}
		headerEnd := loc[1]
		ranges := []Range{{Start: 0, Length: headerEnd, Mutable: false}}
		ranges = append(ranges, decomposeFields(buf[headerEnd:], headerEnd, p.Fields)...)
		return coalesceMutable(ranges, len(buf))
	}
	if len(buf) == 0 {
		return nil
	}
	return []Range{{Start: 0, Length: len(buf), Mutable: true}}
}

// decomposeFields finds every non-overlapping match of fields within rest
// (offset by base in the caller's coordinate space) and returns immutable
// ranges for them, threaded among implicit mutable gaps which are filled
// in later by coalesceMutable.
func decomposeFields(rest []byte, base int, fields *regexp.Regexp) []Range {
	var out []Range
	locs := fields.FindAllIndex(rest, -1)
	for _, loc := range locs {
		out = append(out, Range{Start: base + loc[0], Length: loc[1] - loc[0], Mutable: false})
	}
	return out
}

// coalesceMutable takes a sparse list of immutable ranges (in increasing,
// non-overlapping start order with a leading header range) plus the total
// buffer length, and fills every gap with a mutable range, producing a
// contiguous, disjoint partition of [0, total) (spec §8 property 4, applied
// at the grammar-decomposition level as well as the queue-region level).
func coalesceMutable(immutable []Range, total int) []Range {
	var out []Range
	cursor := 0
	for _, r := range immutable {
		if r.Start > cursor {
			out = append(out, Range{Start: cursor, Length: r.Start - cursor, Mutable: true})
		}
		out = append(out, r)
		cursor = r.End()
	}
	if cursor < total {
		out = append(out, Range{Start: cursor, Length: total - cursor, Mutable: true})
	}
	return out
}

// MutableSpans filters a decomposition down to just the mutable ranges,
// the input the havoc "exploit" mode (spec §4.7) operates over.
func MutableSpans(ranges []Range) []Range {
	var out []Range
	for _, r := range ranges {
		if r.Mutable {
			out = append(out, r)
		}
	}
	return out
}

// WholeBufferMutable returns the single-range decomposition used by havoc's
// "explore" bias and by the non-state-aware M2 fallback (spec §4.7, §4.8).
func WholeBufferMutable(length int) []Range {
	if length == 0 {
		return nil
	}
	return []Range{{Start: 0, Length: length, Mutable: true}}
}

// InducedTemplate is one accumulated (header, fields) vote from repeated
// LLM grammar-induction queries (spec §4.9 "accumulate (header, field)
// counts").
type InducedTemplate struct {
	Header string
	Fields string
	Votes  int
}

// TemplateBallot tallies induced templates across TEMPLATE_CONSISTENCY_COUNT
// repeated oracle queries and compiles the most-agreed ones.
type TemplateBallot struct {
	counts map[string]*InducedTemplate
}

func NewTemplateBallot() *TemplateBallot {
	return &TemplateBallot{counts: make(map[string]*InducedTemplate)}
}

// Record tallies one (header, fields) observation.
func (b *TemplateBallot) Record(header, fields string) {
	key := header + "\x00" + fields
	if t, ok := b.counts[key]; ok {
		t.Votes++
		return
	}
	b.counts[key] = &InducedTemplate{Header: header, Fields: fields, Votes: 1}
}

// Winners returns templates with at least minVotes, most-voted first.
func (b *TemplateBallot) Winners(minVotes int) []InducedTemplate {
	var out []InducedTemplate
	for _, t := range b.counts {
		if t.Votes >= minVotes {
			out = append(out, *t)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Votes > out[j-1].Votes; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CompileWinners compiles the winning templates into a Store ready for use.
func CompileWinners(winners []InducedTemplate) (*Store, error) {
	s := NewStore()
	for _, w := range winners {
		p, err := CompilePattern(w.Header, w.Fields)
		if err != nil {
			continue // one bad pattern must not sink the whole store
		}
		s.AddPattern(p)
	}
	return s, nil
}
