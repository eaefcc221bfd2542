package queue

import (
	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
)

// Favorites is the per-bitmap-byte winner table (spec.md §3 "Favorites
// table"). Winner criterion: highest UniqueStateCount; tie-break by
// smaller exec_us * length.
type Favorites struct {
	winners []*Entry // len == bitmap size
}

// NewFavorites allocates an empty favorites table sized to the bitmap.
func NewFavorites(bitmapSize int) *Favorites {
	return &Favorites{winners: make([]*Entry, bitmapSize)}
}

// Consider updates the winner for byte index i if e beats the incumbent.
func (f *Favorites) Consider(i int, e *Entry) {
	cur := f.winners[i]
	if cur == nil || beats(e, cur) {
		f.winners[i] = e
	}
}

// beats implements the tie-break rule: highest UniqueStateCount wins;
// ties broken by smaller exec_us * length.
func beats(a, b *Entry) bool {
	if a.UniqueStateCount != b.UniqueStateCount {
		return a.UniqueStateCount > b.UniqueStateCount
	}
	return a.ExecUS*int64(a.Length) < b.ExecUS*int64(b.Length)
}

// Winner returns the current winner for byte index i, if any.
func (f *Favorites) Winner(i int) *Entry { return f.winners[i] }

// TraceIndices reports which bitmap byte indices an entry's trace touches.
// Supplied by the caller (derived from the entry's TraceBits, the minimized
// 1-bit-per-edge trace fingerprint).
func TraceIndices(traceBits []byte, bitmapSize int) []int {
	var idx []int
	for i := 0; i < bitmapSize; i++ {
		byteIdx := i / 8
		if byteIdx >= len(traceBits) {
			break
		}
		if traceBits[byteIdx]&(1<<uint(i%8)) != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// CullResult summarizes one culling pass (spec §4.5 "Culling").
type CullResult struct {
	PendingFavored int
}

// Cull recomputes favorites across all non-initial entries and the current
// target state. It implements spec §4.5:
//  1. zero the favored bit on all non-initial entries,
//  2. walk winners across bitmap bytes, marking each winner favored and
//     (if it targets the current state and has not been fuzzed against it)
//     incrementing pending_favored,
//  3. mark entries with no winner role as redundant.
func Cull(entries []*Entry, favorites *Favorites, targetState protocolapi.StateID) CullResult {
	for _, e := range entries {
		if !e.IsInitial {
			e.Favored = false
		}
		e.Redundant = false
	}

	seenWinner := make(map[*Entry]bool)
	result := CullResult{}
	bitmapSize := len(favorites.winners)
	for i := 0; i < bitmapSize; i++ {
		w := favorites.winners[i]
		if w == nil {
			continue
		}
		if !seenWinner[w] {
			seenWinner[w] = true
			w.Favored = true
			if w.GeneratingState == targetState && !w.WasFuzzedAgainst(targetState) {
				result.PendingFavored++
			}
		}
	}

	for _, e := range entries {
		if !e.Favored && !e.IsInitial {
			e.Redundant = true
		}
	}
	return result
}
