package engine

import (
	"context"
	"fmt"

	"github.com/expsplit/expsplit/internal/stats"
	"github.com/expsplit/expsplit/internal/store"
)

// AnalyzeTest runs the test's configured inferential method over a read
// snapshot of the counters. It can be called any number of times while the
// test runs or after it concludes; for sequential tests each call on a
// running test consumes one alpha-spending look. Low samples come back as
// an inconclusive verdict, not an error.
func (e *Engine) AnalyzeTest(ctx context.Context, testID string) (*stats.Result, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Status != store.StatusRunning && test.Status != store.StatusConcluded {
		return nil, fmt.Errorf("cannot analyze %s test %s: %w", test.Status, testID, ErrInvalidTransition)
	}

	look := test.LooksSpent
	if test.Type == store.TypeSequential && test.Status == store.StatusRunning {
		look, err = e.store.ConsumeLook(ctx, testID)
		if err != nil {
			return nil, fmt.Errorf("failed to consume look: %w", err)
		}
	}

	snapshot, err := e.store.VariantSnapshot(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}

	var outcomes map[string][]float64
	if test.Stats.Method == store.MethodBootstrap {
		primary := test.PrimaryGoal()
		if primary == nil {
			return nil, fmt.Errorf("test %s has no goals: %w", testID, ErrInvalidConfiguration)
		}
		outcomes, err = e.store.Outcomes(ctx, testID, primary.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load outcomes: %w", err)
		}
	}

	return stats.Analyze(ctx, stats.Inputs{
		Test:     test,
		Snapshot: snapshot,
		Outcomes: outcomes,
		Look:     look,
	})
}
