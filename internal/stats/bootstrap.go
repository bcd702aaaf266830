package stats

import (
	"context"
	"math/rand"
	"sort"
)

// BootstrapDiff is the empirical distribution summary of the difference in
// means between a variant and control, built by resampling per-user
// outcomes with replacement.
type BootstrapDiff struct {
	// Mean is the observed (not resampled) difference in means.
	Mean float64
	// Lower and Upper bound the percentile interval at the requested level.
	Lower float64
	Upper float64
	// Iterations actually completed.
	Iterations int
}

// Bootstrap resamples the variant and control outcome vectors iters times
// and returns the percentile interval of the mean difference. It checks ctx
// periodically so an abandoned analysis stops burning CPU; on cancellation
// the partial distribution is discarded and ctx.Err() returned.
func Bootstrap(ctx context.Context, variant, control []float64, iters int, level float64, seed int64) (*BootstrapDiff, error) {
	if len(variant) == 0 || len(control) == 0 {
		return &BootstrapDiff{}, nil
	}
	if iters <= 0 {
		iters = 2000
	}

	rng := rand.New(rand.NewSource(seed))
	diffs := make([]float64, iters)

	for i := 0; i < iters; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		diffs[i] = resampleMean(rng, variant) - resampleMean(rng, control)
	}
	sort.Float64s(diffs)

	tail := (1 - level) / 2
	lo := int(tail * float64(iters))
	hi := int((1 - tail) * float64(iters))
	if hi >= iters {
		hi = iters - 1
	}

	return &BootstrapDiff{
		Mean:       mean(variant) - mean(control),
		Lower:      diffs[lo],
		Upper:      diffs[hi],
		Iterations: iters,
	}, nil
}

func resampleMean(rng *rand.Rand, xs []float64) float64 {
	n := len(xs)
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += xs[rng.Intn(n)]
	}
	return sum / float64(n)
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
