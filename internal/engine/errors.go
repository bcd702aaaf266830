package engine

import "errors"

// Operation-scoped failure taxonomy. Callers match with errors.Is; nothing
// here is fatal to the process.
var (
	// ErrInvalidConfiguration rejects a malformed test before any state
	// change.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrNotFound covers unknown test, variant and goal ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition guards the lifecycle state machine.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoAssignment is returned when tracking precedes assignment.
	ErrNoAssignment = errors.New("no assignment")
	// ErrUnknownGoal rejects conversions against undefined goals.
	ErrUnknownGoal = errors.New("unknown goal")
	// ErrInsufficientData is exported for callers that want to treat an
	// inconclusive analysis as a failure; AnalyzeTest itself reports low
	// samples as a normal inconclusive verdict.
	ErrInsufficientData = errors.New("insufficient data")
)
