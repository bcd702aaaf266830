package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleStatus is returned by TransitionTest when the test is not in
	// the expected source state.
	ErrStaleStatus = errors.New("stale status")
)

// Store is the persistence interface the engine is built against. Every
// mutating operation is atomic per key so that concurrent request handlers
// never observe torn state; wider coordination is the engine's job.
type Store interface {
	// Test operations.
	CreateTest(ctx context.Context, t *Test) error
	GetTest(ctx context.Context, id string) (*Test, error)
	ListTests(ctx context.Context) ([]*Test, error)
	// TransitionTest moves a test from one lifecycle status to another,
	// failing with ErrStaleStatus when the current status differs from the
	// expected one. The check and the write are a single atomic step.
	TransitionTest(ctx context.Context, id string, from, to TestStatus, at time.Time) error
	// UpdateWeights replaces the traffic allocation of a running test.
	UpdateWeights(ctx context.Context, id string, weights []float64) error
	// ConsumeLook atomically increments the interim-analysis counter of a
	// sequential test and returns the look number just spent (1-based).
	ConsumeLook(ctx context.Context, id string) (int, error)

	// Assignment operations. CreateAssignment is first-writer-wins: under
	// concurrent duplicate requests exactly one record is created and every
	// caller receives it; created reports whether this call won.
	CreateAssignment(ctx context.Context, a *Assignment) (winner *Assignment, created bool, err error)
	GetAssignment(ctx context.Context, testID, userID string) (*Assignment, error)
	ListAssignmentsByUser(ctx context.Context, userID string) ([]*Assignment, error)

	// Event operations. The dedup flag asks the store to enforce
	// at-most-once semantics per (assignment) or (assignment, goal);
	// counted reports whether the event changed any counter.
	RecordExposure(ctx context.Context, a *Assignment, dedup bool, props Properties) (counted bool, err error)
	RecordConversion(ctx context.Context, a *Assignment, goalID string, value float64, dedup bool, props Properties) (counted bool, err error)
	RecordMetric(ctx context.Context, a *Assignment, name string, value float64, props Properties) error

	// Read snapshots. Neither call blocks concurrent tracking.
	VariantSnapshot(ctx context.Context, testID string) ([]VariantStats, error)
	// Outcomes returns, per variant, one outcome value per exposed
	// assignment for the given goal (0 for exposed non-converters). Used by
	// the bootstrap analyzer, which needs per-user observations.
	Outcomes(ctx context.Context, testID, goalID string) (map[string][]float64, error)
	ListEvents(ctx context.Context, testID string) ([]*Event, error)

	Close() error
}
