// Package bandit turns running reward statistics into traffic-allocation
// weights for multi-armed-bandit tests.
package bandit

import (
	"math"
	"math/rand"
	"sync"
)

type Strategy string

const (
	EpsilonGreedy    Strategy = "epsilon_greedy"
	ThompsonSampling Strategy = "thompson"
)

// Arm is one variant's running reward counters.
type Arm struct {
	Exposures   int64
	Conversions int64
}

// PosteriorMean is the Beta(1+conv, 1+exp-conv) posterior mean reward.
func (a Arm) PosteriorMean() float64 {
	return (1 + float64(a.Conversions)) / (2 + float64(a.Exposures))
}

// Optimizer computes new weights from arm statistics. It holds its own RNG
// for Thompson sampling, so concurrent UpdateWeights calls serialize on a
// short lock rather than sharing the global source.
type Optimizer struct {
	strategy Strategy
	rounds   int

	mu  sync.Mutex
	rng *rand.Rand
}

func New(strategy Strategy, seed int64) *Optimizer {
	return &Optimizer{
		strategy: strategy,
		rounds:   2048,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Weights returns a fresh allocation over the arms. Every arm keeps at
// least epsilon of the traffic; the remaining 1-len(arms)*epsilon is spread
// by the strategy. Requires epsilon*len(arms) < 1, which test validation
// enforces.
func (o *Optimizer) Weights(arms []Arm, epsilon float64) []float64 {
	k := len(arms)
	if k == 0 {
		return nil
	}

	var raw []float64
	switch o.strategy {
	case ThompsonSampling:
		raw = o.thompson(arms)
	default:
		raw = greedy(arms)
	}

	exploit := 1 - float64(k)*epsilon
	weights := make([]float64, k)
	for i := range weights {
		weights[i] = epsilon + exploit*raw[i]
	}
	normalize(weights)
	return weights
}

// greedy puts all exploitation weight on the arm with the best posterior
// mean reward.
func greedy(arms []Arm) []float64 {
	best := 0
	bestMean := math.Inf(-1)
	for i, a := range arms {
		if m := a.PosteriorMean(); m > bestMean {
			best, bestMean = i, m
		}
	}
	raw := make([]float64, len(arms))
	raw[best] = 1
	return raw
}

// thompson plays the arms against each other over many posterior draws and
// allocates exploitation weight proportional to win share.
func (o *Optimizer) thompson(arms []Arm) []float64 {
	wins := make([]int, len(arms))

	o.mu.Lock()
	for r := 0; r < o.rounds; r++ {
		best := 0
		bestDraw := math.Inf(-1)
		for i, a := range arms {
			draw := o.sampleBeta(1+float64(a.Conversions), 1+float64(a.Exposures-a.Conversions))
			if draw > bestDraw {
				best, bestDraw = i, draw
			}
		}
		wins[best]++
	}
	o.mu.Unlock()

	raw := make([]float64, len(arms))
	for i, w := range wins {
		raw[i] = float64(w) / float64(o.rounds)
	}
	return raw
}

func (o *Optimizer) sampleBeta(a, b float64) float64 {
	x := o.sampleGamma(a)
	y := o.sampleGamma(b)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) with the Marsaglia-Tsang method.
func (o *Optimizer) sampleGamma(shape float64) float64 {
	if shape < 1 {
		u := o.rng.Float64()
		return o.sampleGamma(shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3
	c := 1 / math.Sqrt(9*d)
	for {
		x := o.rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := o.rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

func normalize(ws []float64) {
	sum := 0.0
	for _, w := range ws {
		sum += w
	}
	if sum == 0 {
		for i := range ws {
			ws[i] = 1 / float64(len(ws))
		}
		return
	}
	for i := range ws {
		ws[i] /= sum
	}
}
