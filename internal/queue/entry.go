// Package queue implements the seed queue and calibration/favorites model
// (spec.md §4.5, component C5): queue entries with regions, per-entry
// calibration stats, the favorites table, and energy/score assignment.
//
// The teacher's design note in spec.md §9 calls for a vector indexed by
// entry id rather than a singly linked list with a "next-100" shortcut;
// internal/queue.Queue follows that, and uses github.com/eapache/queue's
// ring buffer (the pack's momentics-hioload-ws dependency) to implement the
// "next-100" scan shortcut as a FIFO of not-yet-culled entry indices.
package queue

import (
	"fmt"
	"time"

	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
)

// Region mirrors spec.md §3 "Regions": an ordered (start,end,state_sequence)
// tuple. States is the sequence of server response codes observed after
// this region's message was sent; empty means no response was received.
type Region struct {
	Start  int
	End    int
	States []protocolapi.StateID
}

func (r Region) Len() int { return r.End - r.Start }

// FinalState returns the last element of States, the server state reached
// after this region's message was sent (spec §3 invariant).
func (r Region) FinalState() (protocolapi.StateID, bool) {
	if len(r.States) == 0 {
		return 0, false
	}
	return r.States[len(r.States)-1], true
}

// Entry is one queue entry: a stored message sequence plus its metadata
// (spec §3 "Queue entry").
type Entry struct {
	ID      int
	Path    string
	Length  int
	Depth   int
	Created time.Time

	Regions []Region

	// Calibration (spec §3, populated by internal/calibrate).
	ExecUS      int64
	BitmapSize  int
	ExecCksum   uint64
	Handicap    int
	CalFailed   int
	VarBehavior bool
	PassedDet   bool
	HasNewCov   bool
	IsInitial   bool

	// WasFuzzed tracks, per target state, whether this entry has been
	// fuzzed while that state was the active target (spec §3 flags
	// "was_fuzzed per target state").
	WasFuzzed map[protocolapi.StateID]bool

	GeneratingState  protocolapi.StateID
	UniqueStateCount int

	Favored   bool
	Redundant bool

	// TraceBits is the minimized (1-bit-per-edge) trace fingerprint,
	// retained only for favored entries (spec §4.1 step 4).
	TraceBits []byte
}

// NewEntry constructs a fresh queue entry inheriting depth and generating
// state from its parent (spec §4.5 "Append").
func NewEntry(id int, path string, length int, parentDepth int, generatingState protocolapi.StateID, regions []Region) *Entry {
	return &Entry{
		ID:              id,
		Path:            path,
		Length:          length,
		Depth:           parentDepth + 1,
		Created:         time.Now(),
		Regions:         regions,
		WasFuzzed:       make(map[protocolapi.StateID]bool),
		GeneratingState: generatingState,
	}
}

// ValidateRegions checks the region-partition invariant (spec §3, testable
// property 4): regions are disjoint, contiguous, and exactly cover
// [0, length).
func ValidateRegions(regions []Region, length int) error {
	cursor := 0
	for i, r := range regions {
		if r.Start != cursor {
			return fmt.Errorf("region %d starts at %d, want %d", i, r.Start, cursor)
		}
		if r.End < r.Start {
			return fmt.Errorf("region %d has end %d < start %d", i, r.End, r.Start)
		}
		cursor = r.End
	}
	if cursor != length {
		return fmt.Errorf("regions cover [0,%d), want [0,%d)", cursor, length)
	}
	return nil
}

// MarkFuzzed records that this entry has now been fuzzed against state s
// (spec §4.8 step 6).
func (e *Entry) MarkFuzzed(s protocolapi.StateID) {
	if e.WasFuzzed == nil {
		e.WasFuzzed = make(map[protocolapi.StateID]bool)
	}
	e.WasFuzzed[s] = true
}

// WasFuzzedAgainst reports whether the entry has already been fuzzed
// against state s.
func (e *Entry) WasFuzzedAgainst(s protocolapi.StateID) bool {
	return e.WasFuzzed != nil && e.WasFuzzed[s]
}

// SkipDeterministic reports whether deterministic stages should be skipped
// for this entry (spec §4.8 step 4: already fuzzed, or already passed
// deterministic stages once).
func (e *Entry) SkipDeterministic() bool {
	return e.PassedDet || len(e.WasFuzzed) > 0
}
