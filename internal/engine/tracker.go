package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/expsplit/expsplit/internal/store"
)

// assignment resolves the user's assignment or reports ErrNoAssignment so
// callers can decide whether to assign and retry.
func (e *Engine) assignment(ctx context.Context, testID, userID string) (*store.Assignment, error) {
	a, err := e.store.GetAssignment(ctx, testID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("user %s in test %s: %w", userID, testID, ErrNoAssignment)
		}
		return nil, fmt.Errorf("failed to resolve assignment: %w", err)
	}
	return a, nil
}

// TrackExposure marks that the user experienced their assigned variant.
// Under the default once-per-assignment policy, repeat calls succeed
// without incrementing anything.
func (e *Engine) TrackExposure(ctx context.Context, testID, userID string, props store.Properties) error {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return err
	}
	a, err := e.assignment(ctx, testID, userID)
	if err != nil {
		return err
	}

	if _, err := e.store.RecordExposure(ctx, a, !test.AllowRepeatExposures, props); err != nil {
		return fmt.Errorf("failed to record exposure: %w", err)
	}
	return nil
}

// TrackConversion credits a goal conversion to the user's variant, folding
// value into the goal's running aggregate. A conversion implies the user
// saw their variant, so an exposure is recorded first if missing; that
// keeps exposures >= conversions for every (variant, goal) pair.
func (e *Engine) TrackConversion(ctx context.Context, testID, userID, goalID string, value float64, props store.Properties) error {
	test, err := e.getTest(ctx, testID)
	if err != nil {
		return err
	}
	goal := test.Goal(goalID)
	if goal == nil {
		return fmt.Errorf("goal %s in test %s: %w", goalID, testID, ErrUnknownGoal)
	}
	a, err := e.assignment(ctx, testID, userID)
	if err != nil {
		return err
	}

	if _, err := e.store.RecordExposure(ctx, a, true, nil); err != nil {
		return fmt.Errorf("failed to record implied exposure: %w", err)
	}
	if _, err := e.store.RecordConversion(ctx, a, goalID, value, !goal.AllowRepeatConversions, props); err != nil {
		return fmt.Errorf("failed to record conversion: %w", err)
	}
	return nil
}

// TrackMetric folds an auxiliary observation (latency, engagement, ...)
// into the named metric's running aggregate. Metrics never gate the
// primary decision and are not deduplicated.
func (e *Engine) TrackMetric(ctx context.Context, testID, userID, name string, value float64, props store.Properties) error {
	a, err := e.assignment(ctx, testID, userID)
	if err != nil {
		return err
	}

	if err := e.store.RecordMetric(ctx, a, name, value, props); err != nil {
		return fmt.Errorf("failed to record metric: %w", err)
	}
	return nil
}
