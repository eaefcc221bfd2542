package bitmap

import "testing"

// S1 — Bitmap novelty (spec.md §8).
func TestHasNewBits_S1(t *testing.T) {
	virgin := NewVirgin(64)
	current := NewMap(64)
	current.Set(42, 3)
	Classify(current)

	if got := current.Get(42); got != 4 {
		t.Fatalf("classify(3) = %d, want 4", got)
	}

	result := HasNewBits(virgin, current)
	if result != NewByteFromFF {
		t.Fatalf("first HasNewBits = %v, want NewByteFromFF", result)
	}
	if got := virgin.Get(42); got != 0xfb {
		t.Fatalf("virgin[42] = %#x, want 0xfb", got)
	}

	// Second call with the same current: no new bits (monotonicity,
	// testable property 2).
	result2 := HasNewBits(virgin, current)
	if result2 != NoNovelty {
		t.Fatalf("second HasNewBits = %v, want NoNovelty", result2)
	}
}

// Testable property 1: Classify is idempotent.
func TestClassifyIdempotent(t *testing.T) {
	m := NewMap(256)
	for i := 0; i < 256; i++ {
		m.Set(i, byte(i))
	}
	Classify(m)
	once := append([]byte(nil), m.Bytes()...)
	Classify(m)
	for i := range once {
		if m.Get(i) != once[i] {
			t.Fatalf("classify not idempotent at %d: %d != %d", i, m.Get(i), once[i])
		}
	}
}

func TestCountHelpers(t *testing.T) {
	m := NewMap(8)
	m.Set(0, 1)
	m.Set(1, 3)
	Classify(m)
	if n := CountBytes(m); n != 2 {
		t.Fatalf("CountBytes = %d, want 2", n)
	}
	if n := CountBits(m); n == 0 {
		t.Fatalf("CountBits = 0, want > 0")
	}
}

func TestCountNon255Bytes(t *testing.T) {
	virgin := NewVirgin(4)
	if n := CountNon255Bytes(virgin); n != 0 {
		t.Fatalf("fresh virgin non-255 count = %d, want 0", n)
	}
	cur := NewMap(4)
	cur.Set(0, 5)
	Classify(cur)
	HasNewBits(virgin, cur)
	if n := CountNon255Bytes(virgin); n != 1 {
		t.Fatalf("non-255 count = %d, want 1", n)
	}
}

func TestSimplify(t *testing.T) {
	m := NewMap(3)
	m.Set(0, 0)
	m.Set(1, 5)
	m.Set(2, 255)
	Simplify(m)
	want := []byte{0x01, 0x80, 0x80}
	for i, w := range want {
		if m.Get(i) != w {
			t.Fatalf("simplify[%d] = %#x, want %#x", i, m.Get(i), w)
		}
	}
}

func TestMinimize(t *testing.T) {
	m := NewMap(16)
	m.Set(0, 1)
	m.Set(9, 1)
	out := Minimize(m)
	if len(out) != 2 {
		t.Fatalf("minimize len = %d, want 2", len(out))
	}
	if out[0]&1 == 0 {
		t.Fatalf("bit 0 not set")
	}
	if out[1]&(1<<1) == 0 {
		t.Fatalf("bit 9 not set")
	}
}
