package stats

import (
	"math"

	"github.com/expsplit/expsplit/internal/store"
)

// TwoProportionTest performs a two-proportion z-test between a variant and
// control under the pooled null hypothesis pA = pB. It returns the z
// statistic and the two-sided p-value.
func TwoProportionTest(variantConv, variantN, controlConv, controlN int64) (z, p float64) {
	if variantN == 0 || controlN == 0 {
		return 0, 1
	}

	pV := float64(variantConv) / float64(variantN)
	pC := float64(controlConv) / float64(controlN)

	pooled := float64(variantConv+controlConv) / float64(variantN+controlN)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(variantN) + 1/float64(controlN)))
	if se == 0 {
		return 0, 1
	}

	z = (pV - pC) / se
	p = 2 * (1 - NormalCDF(math.Abs(z)))
	return z, p
}

// WelchTTest compares two continuous-outcome aggregates with Welch's
// unequal-variance t-test. It returns the t statistic, the
// Welch-Satterthwaite degrees of freedom and the two-sided p-value.
func WelchTTest(variant, control store.MetricAgg) (t, df, p float64) {
	if variant.Count < 2 || control.Count < 2 {
		return 0, 0, 1
	}

	nV := float64(variant.Count)
	nC := float64(control.Count)
	vV := variant.Variance() / nV
	vC := control.Variance() / nC

	se := math.Sqrt(vV + vC)
	if se == 0 {
		return 0, 0, 1
	}

	t = (variant.Mean() - control.Mean()) / se
	df = (vV + vC) * (vV + vC) / (vV*vV/(nV-1) + vC*vC/(nC-1))
	p = 2 * (1 - StudentTCDF(math.Abs(t), df))
	return t, df, p
}
