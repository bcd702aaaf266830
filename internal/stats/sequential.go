package stats

import "math"

// OBrienFlemingBoundary returns the z threshold an interim analysis must
// clear at the given look. The boundary starts very conservative and decays
// toward the fixed-sample critical value, so repeated peeking spends the
// overall alpha instead of inflating it.
func OBrienFlemingBoundary(alpha float64, look, maxLooks int) float64 {
	if look < 1 {
		look = 1
	}
	if maxLooks < 1 {
		maxLooks = 1
	}
	frac := float64(look) / float64(maxLooks)
	if frac > 1 {
		frac = 1
	}
	return Probit(1-alpha/2) / math.Sqrt(frac)
}
