package stats

import (
	"math"

	"github.com/expsplit/expsplit/internal/store"
)

// BetaPosterior is the Beta-Binomial posterior over a conversion rate,
// starting from a uniform Beta(1, 1) prior.
type BetaPosterior struct {
	Alpha float64
	Beta  float64
}

// BinaryPosterior folds conversions out of n exposures into the posterior.
func BinaryPosterior(conversions, exposures int64) BetaPosterior {
	return BetaPosterior{
		Alpha: 1 + float64(conversions),
		Beta:  1 + float64(exposures-conversions),
	}
}

func (p BetaPosterior) Mean() float64 {
	return p.Alpha / (p.Alpha + p.Beta)
}

// CredibleInterval returns the central credible interval at the given level.
func (p BetaPosterior) CredibleInterval(level float64) (lower, upper float64) {
	tail := (1 - level) / 2
	return BetaQuantile(p.Alpha, p.Beta, tail), BetaQuantile(p.Alpha, p.Beta, 1-tail)
}

// ProbBeatsControl computes P(rate_variant > rate_control) by numerically
// integrating the variant posterior density against the control posterior
// CDF with Simpson's rule. Deterministic, no sampling.
func ProbBeatsControl(variant, control BetaPosterior) float64 {
	const n = 400 // even panel count

	// The integrand carries mass only where the variant density does. A
	// uniform grid over [0, 1] cannot resolve sharply peaked posteriors, so
	// the panels are spent on the variant's effective support instead.
	lo, hi := variant.supportBounds()

	f := func(x float64) float64 {
		return BetaPDF(variant.Alpha, variant.Beta, x) * BetaCDF(control.Alpha, control.Beta, x)
	}

	h := (hi - lo) / n
	sum := f(lo) + f(hi)
	for i := 1; i < n; i++ {
		x := lo + float64(i)*h
		if i%2 == 1 {
			sum += 4 * f(x)
		} else {
			sum += 2 * f(x)
		}
	}
	p := sum * h / 3

	// Integration error can leave the result epsilon outside [0, 1].
	return math.Max(0, math.Min(1, p))
}

// supportBounds returns the interval carrying essentially all posterior
// mass, clamped to [0, 1]. Twelve standard deviations keeps the truncated
// tails far below integration error.
func (p BetaPosterior) supportBounds() (lo, hi float64) {
	s := p.Alpha + p.Beta
	sd := math.Sqrt(p.Alpha * p.Beta / (s * s * (s + 1)))
	lo = math.Max(0, p.Mean()-12*sd)
	hi = math.Min(1, p.Mean()+12*sd)
	return lo, hi
}

// NormalProbBeats approximates P(mean_variant > mean_control) for a
// continuous goal: with flat priors the posterior of each mean is normal
// around the sample mean with variance s²/n, so the difference is normal too.
func NormalProbBeats(variant, control store.MetricAgg) float64 {
	if variant.Count == 0 || control.Count == 0 {
		return 0.5
	}
	se := math.Sqrt(variant.Variance()/float64(variant.Count) + control.Variance()/float64(control.Count))
	if se == 0 {
		switch {
		case variant.Mean() > control.Mean():
			return 1
		case variant.Mean() < control.Mean():
			return 0
		}
		return 0.5
	}
	return NormalCDF((variant.Mean() - control.Mean()) / se)
}

// NormalCredibleInterval is the central posterior interval for a continuous
// goal's mean under the same normal approximation.
func NormalCredibleInterval(agg store.MetricAgg, level float64) (lower, upper float64) {
	if agg.Count == 0 {
		return 0, 0
	}
	z := ZScore(level)
	se := math.Sqrt(agg.Variance() / float64(agg.Count))
	return agg.Mean() - z*se, agg.Mean() + z*se
}
