package stats

import (
	"context"
	"fmt"
	"math"

	"github.com/expsplit/expsplit/internal/store"
)

type Verdict string

const (
	VerdictInconclusive Verdict = "inconclusive"
	VerdictWinner       Verdict = "winner"
	VerdictNoDifference Verdict = "no_difference"
)

// VariantSummary holds per-variant statistics for one goal. Method-specific
// fields are zero when the method does not produce them.
type VariantSummary struct {
	VariantID   string
	Name        string
	Control     bool
	Exposures   int64
	Conversions int64
	// Rate is the conversion rate for binary goals; Mean/StdDev describe
	// continuous goals.
	Rate   float64
	Mean   float64
	StdDev float64
	// CILower/CIUpper is the Wilson interval (binary frequentist), the
	// credible interval (bayesian) or the normal interval (continuous).
	CILower float64
	CIUpper float64
	// Frequentist output vs control.
	Z      float64
	PValue float64
	// Bayesian output vs control, already direction-adjusted.
	ProbBeatsControl float64
	// Bootstrap percentile interval of the mean difference vs control.
	DiffLower float64
	DiffUpper float64
	// Effect is the raw difference vs control (rate or mean).
	Effect float64
}

type GoalBreakdown struct {
	GoalID   string
	Name     string
	Kind     store.MetricKind
	Variants []VariantSummary
}

// Result is the full analysis report for one test.
type Result struct {
	TestID  string
	Method  store.Method
	Primary GoalBreakdown
	// Secondary goals are reported only; they never influence the verdict.
	Secondary []GoalBreakdown
	Verdict   Verdict
	WinnerID  string
	Reason    string
	// SampleSize is the total exposures across arms.
	SampleSize int64
	// Look and Boundary are set for sequential tests.
	Look     int
	Boundary float64
}

// Inputs carries everything Analyze needs; it never touches the store.
type Inputs struct {
	Test     *store.Test
	Snapshot []store.VariantStats
	// Outcomes holds per-user outcome values per variant for the primary
	// goal; required only for the bootstrap method.
	Outcomes map[string][]float64
	// Look is the interim-analysis number for sequential tests, 0 otherwise.
	Look int
}

// Analyze computes per-variant summaries and a verdict for the primary goal
// using the test's configured method. Insufficient data yields an
// inconclusive verdict with a reason, never a hard error.
func Analyze(ctx context.Context, in Inputs) (*Result, error) {
	test := in.Test
	primary := test.PrimaryGoal()
	if primary == nil {
		return nil, fmt.Errorf("test %s has no goals", test.ID)
	}

	boundary := 0.0
	if test.Type == store.TypeSequential {
		boundary = OBrienFlemingBoundary(test.Stats.Alpha, in.Look, test.Stats.MaxLooks)
	}

	result := &Result{
		TestID:   test.ID,
		Method:   test.Stats.Method,
		Look:     in.Look,
		Boundary: boundary,
	}

	primaryBreakdown, err := buildGoal(ctx, in, *primary, true)
	if err != nil {
		return nil, err
	}
	result.Primary = primaryBreakdown

	for _, goal := range test.Goals[1:] {
		bd, err := buildGoal(ctx, in, goal, false)
		if err != nil {
			return nil, err
		}
		result.Secondary = append(result.Secondary, bd)
	}

	for _, vs := range in.Snapshot {
		result.SampleSize += vs.Exposures
	}

	verdict(result, test, *primary)
	return result, nil
}

func buildGoal(ctx context.Context, in Inputs, goal store.Goal, primary bool) (GoalBreakdown, error) {
	test := in.Test
	bd := GoalBreakdown{GoalID: goal.ID, Name: goal.Name, Kind: goal.Kind}

	byID := make(map[string]store.VariantStats, len(in.Snapshot))
	for _, vs := range in.Snapshot {
		byID[vs.VariantID] = vs
	}

	control := test.Control()
	if control == nil {
		return bd, fmt.Errorf("test %s has no control variant", test.ID)
	}
	ctrlStats := byID[control.ID]

	confidence := test.Stats.ConfidenceLevel

	for _, v := range test.Variants {
		vs := byID[v.ID]
		sum := VariantSummary{
			VariantID:   v.ID,
			Name:        v.Name,
			Control:     v.Control,
			Exposures:   vs.Exposures,
			Conversions: vs.Conversions[goal.ID],
		}

		switch goal.Kind {
		case store.MetricBinary:
			if vs.Exposures > 0 {
				sum.Rate = float64(sum.Conversions) / float64(vs.Exposures)
			}
			sum.CILower, sum.CIUpper = WilsonInterval(sum.Conversions, vs.Exposures, confidence)
			if !v.Control {
				ctrlRate := 0.0
				if ctrlStats.Exposures > 0 {
					ctrlRate = float64(ctrlStats.Conversions[goal.ID]) / float64(ctrlStats.Exposures)
				}
				sum.Effect = sum.Rate - ctrlRate
				sum.Z, sum.PValue = TwoProportionTest(sum.Conversions, vs.Exposures, ctrlStats.Conversions[goal.ID], ctrlStats.Exposures)
				sum.ProbBeatsControl = directional(
					ProbBeatsControl(BinaryPosterior(sum.Conversions, vs.Exposures),
						BinaryPosterior(ctrlStats.Conversions[goal.ID], ctrlStats.Exposures)),
					goal.Direction)
			}
			if test.Stats.Method == store.MethodBayesian {
				post := BinaryPosterior(sum.Conversions, vs.Exposures)
				sum.CILower, sum.CIUpper = post.CredibleInterval(confidence)
			}

		case store.MetricContinuous:
			agg := vs.GoalValues[goal.ID]
			sum.Mean = agg.Mean()
			sum.StdDev = agg.StdDev()
			sum.CILower, sum.CIUpper = NormalCredibleInterval(agg, confidence)
			if !v.Control {
				ctrlAgg := ctrlStats.GoalValues[goal.ID]
				sum.Effect = agg.Mean() - ctrlAgg.Mean()
				t, _, p := WelchTTest(agg, ctrlAgg)
				sum.Z, sum.PValue = t, p
				sum.ProbBeatsControl = directional(NormalProbBeats(agg, ctrlAgg), goal.Direction)
			}
		}

		// The bootstrap interval needs raw per-user outcomes, which are only
		// materialized for the primary goal.
		if primary && test.Stats.Method == store.MethodBootstrap && !v.Control {
			diff, err := Bootstrap(ctx, in.Outcomes[v.ID], in.Outcomes[control.ID],
				test.Stats.BootstrapIterations, confidence, bootstrapSeed(test.ID, v.ID))
			if err != nil {
				return bd, err
			}
			sum.DiffLower, sum.DiffUpper = diff.Lower, diff.Upper
		}

		bd.Variants = append(bd.Variants, sum)
	}
	return bd, nil
}

// directional flips a probability-of-being-higher into
// probability-of-being-better for lower-is-better goals.
func directional(probHigher float64, dir store.Direction) float64 {
	if dir == store.LowerIsBetter {
		return 1 - probHigher
	}
	return probHigher
}

// betterEffect maps a raw effect onto "positive means better".
func betterEffect(effect float64, dir store.Direction) float64 {
	if dir == store.LowerIsBetter {
		return -effect
	}
	return effect
}

// noDifferenceFactor scales the minimum sample into the exposure count at
// which a null result counts as powered. Below it a not-significant
// comparison stays inconclusive instead of being called no difference.
const noDifferenceFactor = 10

func verdict(result *Result, test *store.Test, goal store.Goal) {
	minN := int64(test.MinSampleSize)
	poweredN := minN * noDifferenceFactor
	alpha := test.Stats.Alpha
	confidence := test.Stats.ConfidenceLevel

	var ctrlN int64
	for _, v := range result.Primary.Variants {
		if v.Control {
			ctrlN = v.Exposures
		}
	}

	allSampled := ctrlN >= minN
	allPowered := ctrlN >= poweredN
	var winner *VariantSummary
	for i := range result.Primary.Variants {
		v := &result.Primary.Variants[i]
		if v.Control {
			continue
		}
		if v.Exposures < minN {
			allSampled = false
		}
		if v.Exposures < poweredN {
			allPowered = false
		}

		sampled := v.Exposures >= minN && ctrlN >= minN
		better := betterEffect(v.Effect, goal.Direction) > 0
		significant := false
		switch test.Stats.Method {
		case store.MethodFrequentist:
			if test.Type == store.TypeSequential {
				significant = math.Abs(v.Z) >= result.Boundary
			} else {
				significant = v.PValue < alpha
			}
		case store.MethodBayesian:
			significant = v.ProbBeatsControl >= confidence
			better = true // direction already folded into the probability
		case store.MethodBootstrap:
			// Interval excluding zero on the better side.
			if goal.Direction == store.LowerIsBetter {
				significant = v.DiffUpper < 0
			} else {
				significant = v.DiffLower > 0
			}
		}

		if sampled && better && significant {
			if winner == nil || math.Abs(v.Effect) > math.Abs(winner.Effect) {
				winner = v
			}
		}
	}

	switch {
	case winner != nil:
		result.Verdict = VerdictWinner
		result.WinnerID = winner.VariantID
		result.Reason = fmt.Sprintf("variant %q beats control on goal %q", winner.Name, goal.Name)
	case !allSampled:
		result.Verdict = VerdictInconclusive
		result.Reason = fmt.Sprintf("insufficient sample: every arm needs at least %d exposures", test.MinSampleSize)
	case !allPowered:
		result.Verdict = VerdictInconclusive
		result.Reason = "no variant separated from control yet; collect more exposures before calling no difference"
	default:
		result.Verdict = VerdictNoDifference
		result.Reason = "no variant separated from control at the configured threshold"
	}
}

// bootstrapSeed derives a stable per-(test, variant) seed so repeated
// analyses of unchanged data report identical intervals.
func bootstrapSeed(testID, variantID string) int64 {
	var h uint64 = 1469598103934665603
	for _, s := range []string{testID, variantID} {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
	}
	return int64(h & math.MaxInt64)
}
