package flipper

import "testing"

func TestFlipMatch(t *testing.T) {
	var a, b Flipper
	if !a.Match(b, 10) {
		t.Fatal("zero flippers should match")
	}
	a = a.Flip(3)
	if a.Match(b, 10) {
		t.Fatal("should no longer match after flipping bit 3")
	}
	if !a.Match(b, 2) {
		t.Fatal("bits below the flipped one should still match")
	}
	b = b.Flip(3)
	if !a.Match(b, 10) {
		t.Fatal("should match again once both flip the same bit")
	}
}

func TestFlipTwiceIsIdentity(t *testing.T) {
	var a Flipper
	flipped := a.Flip(5).Flip(5)
	if flipped.Value() != a.Value() {
		t.Fatalf("double flip changed value: %d != %d", flipped.Value(), a.Value())
	}
}
