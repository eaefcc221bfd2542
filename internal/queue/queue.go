package queue

import (
	eq "github.com/eapache/queue"
)

// Queue is the full corpus, indexed by entry id (spec.md §9 design note:
// "re-implement as a vector indexed by entry id"). pending is a FIFO of
// entry ids not yet visited by the current culling pass, implemented with
// the pack's github.com/eapache/queue ring buffer — the "next-100"
// shortcut generalized to an arbitrary scan window instead of a fixed
// constant.
type Queue struct {
	entries []*Entry
	pending *eq.Queue
	nextID  int
}

// New constructs an empty Queue.
func New() *Queue {
	return &Queue{pending: eq.New()}
}

// Append adds e to the corpus and returns its assigned id.
func (q *Queue) Append(e *Entry) int {
	e.ID = q.nextID
	q.nextID++
	q.entries = append(q.entries, e)
	q.pending.Add(e.ID)
	return e.ID
}

// Len returns the number of entries in the corpus.
func (q *Queue) Len() int { return len(q.entries) }

// At returns the entry with the given id, or nil if out of range.
func (q *Queue) At(id int) *Entry {
	if id < 0 || id >= len(q.entries) {
		return nil
	}
	return q.entries[id]
}

// All returns every entry, in append order.
func (q *Queue) All() []*Entry { return q.entries }

// DrainPending pops up to n entry ids from the pending scan queue, a
// "next-100"-style scan window; ids not drained this round remain queued
// for the next call. Cull does not use it and walks every entry.
func (q *Queue) DrainPending(n int) []*Entry {
	var out []*Entry
	for i := 0; i < n && q.pending.Length() > 0; i++ {
		id := q.pending.Peek().(int)
		q.pending.Remove()
		if e := q.At(id); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// Requeue pushes an entry id back onto the pending scan queue (used when a
// culling pass consumed it but it should be revisited next cycle, e.g.
// because it is still un-fuzzed against the current target state).
func (q *Queue) Requeue(id int) {
	q.pending.Add(id)
}

// FleetAverages computes the current averages CalculateScore needs.
func (q *Queue) FleetAverages() FleetAverages {
	var totalExec, totalBitmap float64
	n := 0
	for _, e := range q.entries {
		if e.ExecUS > 0 {
			totalExec += float64(e.ExecUS)
			totalBitmap += float64(e.BitmapSize)
			n++
		}
	}
	if n == 0 {
		return FleetAverages{}
	}
	return FleetAverages{ExecUS: totalExec / float64(n), BitmapSize: totalBitmap / float64(n)}
}

// MaxDepth returns the deepest entry's depth, for plot_data's max_depth
// column (spec §6).
func (q *Queue) MaxDepth() int {
	max := 0
	for _, e := range q.entries {
		if e.Depth > max {
			max = e.Depth
		}
	}
	return max
}

// FavoredPending counts favored entries not yet fuzzed against state s
// (used to drive pending_favored bookkeeping outside of a Cull call, e.g.
// after a single MarkFuzzed).
func (q *Queue) FavoredPending(s func(e *Entry) bool) int {
	n := 0
	for _, e := range q.entries {
		if e.Favored && s(e) {
			n++
		}
	}
	return n
}
