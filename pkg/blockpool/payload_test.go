package blockpool

import (
	"errors"
	"testing"
)

func TestViewInvalidBlock(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	if _, err := pool.View(-1, KeyCache); !errors.Is(err, ErrInvalidBlockID) {
		t.Errorf("expected ErrInvalidBlockID for -1, got %v", err)
	}

	if _, err := pool.View(4, ValueCache); !errors.Is(err, ErrInvalidBlockID) {
		t.Errorf("expected ErrInvalidBlockID for 4, got %v", err)
	}

	if _, err := pool.View(0, Kind(99)); err == nil {
		t.Error("expected error for unknown payload kind, got nil")
	}
}

func TestViewRoundTrip(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	view, err := pool.View(2, KeyCache)
	if err != nil {
		t.Fatalf("failed to get view: %v", err)
	}

	// Values exactly representable in float16 survive the round trip
	cases := []struct {
		layer, head, pos, dim int
		value                 float32
	}{
		{0, 0, 0, 0, 1.5},
		{1, 3, 15, 7, -2.25},
		{0, 2, 8, 3, 0.5},
		{1, 0, 1, 6, 1024},
	}

	for _, c := range cases {
		view.Set(c.layer, c.head, c.pos, c.dim, c.value)
		if got := view.At(c.layer, c.head, c.pos, c.dim); got != c.value {
			t.Errorf("At(%d,%d,%d,%d) = %f, expected %f",
				c.layer, c.head, c.pos, c.dim, got, c.value)
		}
	}

	// A fresh pool reads back zero everywhere else
	if got := view.At(0, 1, 0, 0); got != 0 {
		t.Errorf("expected zeroed element, got %f", got)
	}
}

func TestViewNoAliasing(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	viewA, err := pool.View(0, KeyCache)
	if err != nil {
		t.Fatalf("failed to get view A: %v", err)
	}
	viewB, err := pool.View(1, KeyCache)
	if err != nil {
		t.Fatalf("failed to get view B: %v", err)
	}

	viewA.Fill(1.0)
	viewB.Fill(2.0)

	// Writing block 1 must not disturb block 0
	if got := viewA.At(1, 3, 15, 7); got != 1.0 {
		t.Errorf("block 0 disturbed by writes to block 1: got %f", got)
	}
	if got := viewB.At(0, 0, 0, 0); got != 2.0 {
		t.Errorf("block 1 contents wrong: got %f", got)
	}

	if viewA.Checksum() == viewB.Checksum() {
		t.Error("blocks with different contents produced the same checksum")
	}
}

func TestViewKindSeparation(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	keyView, err := pool.View(3, KeyCache)
	if err != nil {
		t.Fatalf("failed to get key view: %v", err)
	}
	valueView, err := pool.View(3, ValueCache)
	if err != nil {
		t.Fatalf("failed to get value view: %v", err)
	}

	keyView.Set(0, 0, 0, 0, 7.5)

	// Key and value regions of the same block are independent
	if got := valueView.At(0, 0, 0, 0); got != 0 {
		t.Errorf("value region disturbed by key write: got %f", got)
	}
}

func TestViewChecksum(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	viewA, _ := pool.View(0, KeyCache)
	viewB, _ := pool.View(1, KeyCache)

	// Identical contents hash identically
	if viewA.Checksum() != viewB.Checksum() {
		t.Error("zeroed blocks produced different checksums")
	}

	before := viewA.Checksum()
	viewA.Set(0, 0, 0, 0, 3.0)
	if viewA.Checksum() == before {
		t.Error("checksum unchanged after write")
	}
}

func TestViewLen(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	view, _ := pool.View(0, KeyCache)

	// layers * heads * blockSize * headDim
	expected := 2 * 4 * 16 * 8
	if view.Len() != expected {
		t.Errorf("expected %d elements, got %d", expected, view.Len())
	}
}

func TestViewOutOfRangePanics(t *testing.T) {
	pool, err := New(4, 16, testShape())
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}

	view, _ := pool.View(0, KeyCache)

	cases := []struct {
		name                  string
		layer, head, pos, dim int
	}{
		{"layer too high", 2, 0, 0, 0},
		{"head too high", 0, 4, 0, 0},
		{"position too high", 0, 0, 16, 0},
		{"dim too high", 0, 0, 0, 8},
		{"negative layer", -1, 0, 0, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic, got none")
				}
			}()
			view.At(c.layer, c.head, c.pos, c.dim)
		})
	}
}

func TestKindString(t *testing.T) {
	if KeyCache.String() != "key" {
		t.Errorf("expected 'key', got %q", KeyCache.String())
	}
	if ValueCache.String() != "value" {
		t.Errorf("expected 'value', got %q", ValueCache.String())
	}
	if Kind(9).String() != "KIND(9)" {
		t.Errorf("expected 'KIND(9)', got %q", Kind(9).String())
	}
}
