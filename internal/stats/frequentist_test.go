package stats

import (
	"testing"

	"github.com/expsplit/expsplit/internal/store"
)

func TestTwoProportionTest_ClearLift(t *testing.T) {
	// 15% vs 10% at n=1000 per arm is a textbook significant lift.
	z, p := TwoProportionTest(150, 1000, 100, 1000)

	if z <= 0 {
		t.Errorf("z = %v, want positive for a lift", z)
	}
	approx(t, z, 3.38, 0.05, "z")
	if p >= 0.05 {
		t.Errorf("p = %v, want < 0.05", p)
	}
}

func TestTwoProportionTest_NoisySmallSample(t *testing.T) {
	// 12% vs 10% at n=100 per arm is far from significant.
	_, p := TwoProportionTest(12, 100, 10, 100)
	if p < 0.05 {
		t.Errorf("p = %v, want >= 0.05 for a noisy small sample", p)
	}
}

func TestTwoProportionTest_Symmetry(t *testing.T) {
	zA, pA := TwoProportionTest(150, 1000, 100, 1000)
	zB, pB := TwoProportionTest(100, 1000, 150, 1000)

	approx(t, zA, -zB, 1e-12, "z antisymmetry")
	approx(t, pA, pB, 1e-12, "p symmetry")
}

func TestTwoProportionTest_DegenerateInputs(t *testing.T) {
	if z, p := TwoProportionTest(0, 0, 10, 100); z != 0 || p != 1 {
		t.Errorf("empty variant: got z=%v p=%v, want 0, 1", z, p)
	}
	if z, p := TwoProportionTest(10, 100, 0, 0); z != 0 || p != 1 {
		t.Errorf("empty control: got z=%v p=%v, want 0, 1", z, p)
	}
	// Identical all-zero rates have zero pooled SE.
	if z, p := TwoProportionTest(0, 100, 0, 100); z != 0 || p != 1 {
		t.Errorf("zero rates: got z=%v p=%v, want 0, 1", z, p)
	}
}

func TestWelchTTest(t *testing.T) {
	// control: n=50, mean 10, sample variance ~1.02
	control := store.MetricAgg{Count: 50, Sum: 500, SumSq: 5050}
	// variant: n=50, mean 11, sample variance 1
	variant := store.MetricAgg{Count: 50, Sum: 550, SumSq: 6099}

	tt, df, p := WelchTTest(variant, control)

	if tt <= 0 {
		t.Errorf("t = %v, want positive for a higher mean", tt)
	}
	approx(t, tt, 4.97, 0.1, "t")
	if df <= 50 || df > 98 {
		t.Errorf("df = %v, want Welch-Satterthwaite value near 98", df)
	}
	if p >= 0.001 {
		t.Errorf("p = %v, want < 0.001", p)
	}
}

func TestWelchTTest_TooFewObservations(t *testing.T) {
	one := store.MetricAgg{Count: 1, Sum: 5, SumSq: 25}
	many := store.MetricAgg{Count: 100, Sum: 500, SumSq: 2600}

	if _, _, p := WelchTTest(one, many); p != 1 {
		t.Errorf("p = %v, want 1 when one arm has a single observation", p)
	}
}

func TestWelchTTest_EqualMeans(t *testing.T) {
	a := store.MetricAgg{Count: 30, Sum: 300, SumSq: 3030}
	b := store.MetricAgg{Count: 30, Sum: 300, SumSq: 3030}

	tt, _, p := WelchTTest(a, b)
	if tt != 0 {
		t.Errorf("t = %v, want 0 for identical aggregates", tt)
	}
	approx(t, p, 1, 1e-9, "p")
}
