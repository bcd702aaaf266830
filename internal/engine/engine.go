// Package engine is the experimentation core: deterministic variant
// assignment, append-only event tracking, statistical analysis and bandit
// weight updates, all over an injected store. The engine performs no
// network or disk I/O of its own.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/expsplit/expsplit/internal/bandit"
	"github.com/expsplit/expsplit/internal/store"
)

type Engine struct {
	store     store.Store
	optimizer *bandit.Optimizer
	now       func() time.Time
}

type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOptimizer swaps the bandit strategy (default Thompson sampling).
func WithOptimizer(o *bandit.Optimizer) Option {
	return func(e *Engine) { e.optimizer = o }
}

func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     s,
		optimizer: bandit.New(bandit.ThompsonSampling, time.Now().UnixNano()),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// getTest translates the store's sentinel into the engine taxonomy.
func (e *Engine) getTest(ctx context.Context, id string) (*store.Test, error) {
	t, err := e.store.GetTest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("test %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load test %s: %w", id, err)
	}
	return t, nil
}
