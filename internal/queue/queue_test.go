package queue

import (
	"testing"

	"github.com/dsmmcken/ssfuzz/internal/protocolapi"
)

func TestValidateRegions_OK(t *testing.T) {
	regions := []Region{{Start: 0, End: 3}, {Start: 3, End: 9}}
	if err := ValidateRegions(regions, 9); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRegions_Gap(t *testing.T) {
	regions := []Region{{Start: 0, End: 3}, {Start: 4, End: 9}}
	if err := ValidateRegions(regions, 9); err == nil {
		t.Fatalf("expected gap error")
	}
}

// Testable property 3: favorites cover — after Cull, every edge byte
// touched by any entry's trace is covered by some favored entry.
func TestCull_FavoritesCover(t *testing.T) {
	const bitmapSize = 16
	q := New()
	e1 := NewEntry(0, "seed1", 10, -1, protocolapi.InitialState, nil)
	e1.ExecUS = 100
	e1.UniqueStateCount = 2
	e2 := NewEntry(0, "seed2", 10, -1, protocolapi.InitialState, nil)
	e2.ExecUS = 50
	e2.UniqueStateCount = 1
	q.Append(e1)
	q.Append(e2)

	favorites := NewFavorites(bitmapSize)
	// e1 touches bytes 0,1,2; e2 touches bytes 2,3.
	favorites.Consider(0, e1)
	favorites.Consider(1, e1)
	favorites.Consider(2, e1)
	favorites.Consider(2, e2)
	favorites.Consider(3, e2)

	Cull(q.All(), favorites, protocolapi.InitialState)

	for i := 0; i < 4; i++ {
		w := favorites.Winner(i)
		if w == nil {
			t.Fatalf("byte %d has no winner", i)
		}
		if !w.Favored {
			t.Fatalf("winner of byte %d was not marked favored", i)
		}
	}
}

// Testable property 8: CalculateScore returns a value in [1, HAVOC_MAX_MULT*100].
func TestCalculateScore_Clamp(t *testing.T) {
	e := &Entry{ExecUS: 1, BitmapSize: 100000, Depth: 999, Handicap: 1000}
	avg := FleetAverages{ExecUS: 1000, BitmapSize: 10}
	score := CalculateScore(e, avg)
	if score < 1 || score > HavocMaxMult*100 {
		t.Fatalf("score %f out of clamp range", score)
	}

	e2 := &Entry{ExecUS: 0, BitmapSize: 0, Depth: 0}
	score2 := CalculateScore(e2, avg)
	if score2 < 1 || score2 > HavocMaxMult*100 {
		t.Fatalf("score2 %f out of clamp range", score2)
	}
}

func TestQueueDrainPending(t *testing.T) {
	q := New()
	for i := 0; i < 5; i++ {
		q.Append(NewEntry(0, "p", 1, -1, protocolapi.InitialState, nil))
	}
	first := q.DrainPending(2)
	if len(first) != 2 {
		t.Fatalf("drained %d, want 2", len(first))
	}
	rest := q.DrainPending(10)
	if len(rest) != 3 {
		t.Fatalf("drained %d, want 3", len(rest))
	}
}
