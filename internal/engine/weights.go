package engine

import (
	"context"
	"fmt"

	"github.com/expsplit/expsplit/internal/bandit"
	"github.com/expsplit/expsplit/internal/store"
)

// UpdateWeights recomputes the traffic allocation of a multi-armed-bandit
// test from its running reward statistics and persists it. Callers schedule
// this externally; the engine runs no timers. Weight writes and assignment
// reads are both snapshots, so no further coordination is needed.
func (e *Engine) UpdateWeights(ctx context.Context, testID string) ([]float64, error) {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.Type != store.TypeBandit {
		return nil, fmt.Errorf("test %s is %s, not %s: %w", testID, test.Type, store.TypeBandit, ErrInvalidConfiguration)
	}
	if test.Status != store.StatusRunning {
		return nil, fmt.Errorf("cannot optimize %s test %s: %w", test.Status, testID, ErrInvalidTransition)
	}
	primary := test.PrimaryGoal()
	if primary == nil {
		return nil, fmt.Errorf("test %s has no goals: %w", testID, ErrInvalidConfiguration)
	}

	snapshot, err := e.store.VariantSnapshot(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot counters: %w", err)
	}
	byID := make(map[string]store.VariantStats, len(snapshot))
	for _, vs := range snapshot {
		byID[vs.VariantID] = vs
	}

	arms := make([]bandit.Arm, len(test.Variants))
	for i, v := range test.Variants {
		vs := byID[v.ID]
		arms[i] = bandit.Arm{Exposures: vs.Exposures, Conversions: vs.Conversions[primary.ID]}
	}

	weights := e.optimizer.Weights(arms, test.Epsilon)
	if err := e.store.UpdateWeights(ctx, testID, weights); err != nil {
		return nil, fmt.Errorf("failed to persist weights: %w", err)
	}
	return weights, nil
}
