package stats

import "testing"

func TestOBrienFlemingBoundary(t *testing.T) {
	// The final look uses the fixed-sample critical value.
	approx(t, OBrienFlemingBoundary(0.05, 5, 5), 1.96, 1e-3, "final look")

	// The first of five looks is very conservative.
	approx(t, OBrienFlemingBoundary(0.05, 1, 5), 4.383, 5e-3, "first look")
}

func TestOBrienFlemingBoundary_Monotone(t *testing.T) {
	prev := OBrienFlemingBoundary(0.05, 1, 5)
	for look := 2; look <= 5; look++ {
		b := OBrienFlemingBoundary(0.05, look, 5)
		if b >= prev {
			t.Errorf("boundary at look %d (%v) should be below look %d (%v)", look, b, look-1, prev)
		}
		prev = b
	}
}

func TestOBrienFlemingBoundary_ClampsInputs(t *testing.T) {
	// Out-of-range looks never produce a boundary below the final one.
	if got := OBrienFlemingBoundary(0.05, 7, 5); got < 1.95 {
		t.Errorf("overshot look boundary = %v, want >= final critical value", got)
	}
	if got, want := OBrienFlemingBoundary(0.05, 0, 5), OBrienFlemingBoundary(0.05, 1, 5); got != want {
		t.Errorf("look 0 should clamp to look 1: got %v, want %v", got, want)
	}
}
