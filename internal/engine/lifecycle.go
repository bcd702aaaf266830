package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/expsplit/expsplit/internal/store"
)

const weightEpsilon = 1e-6

// Config is the caller-facing test definition. Missing ids are generated;
// missing statistical settings fall back to conventional defaults.
type Config struct {
	ID          string
	Name        string
	Description string
	Type        store.TestType
	Variants    []VariantConfig
	// Weights parallels Variants; empty means an even split.
	Weights  []float64
	Audience store.Audience
	// Goals[0] is the primary goal.
	Goals []GoalConfig
	// Epsilon is the bandit exploration floor per arm.
	Epsilon              float64
	PlannedDuration      time.Duration
	MinSampleSize        int
	Stats                store.StatConfig
	AllowRepeatExposures bool
	Owner                string
	Tags                 []string
}

type VariantConfig struct {
	ID      string
	Name    string
	Params  map[string]string
	Control bool
}

type GoalConfig struct {
	ID                     string
	Name                   string
	Kind                   store.MetricKind
	Direction              store.Direction
	Weight                 float64
	AllowRepeatConversions bool
}

// CreateTest validates the configuration and persists a draft test.
// Validation failures wrap ErrInvalidConfiguration and leave no state
// behind.
func (e *Engine) CreateTest(ctx context.Context, cfg Config) (*store.Test, error) {
	t, err := buildTest(cfg, e.now())
	if err != nil {
		return nil, err
	}
	if err := e.store.CreateTest(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create test: %w", err)
	}
	return t, nil
}

func buildTest(cfg Config, now time.Time) (*store.Test, error) {
	if len(cfg.Variants) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 variants, got %d", ErrInvalidConfiguration, len(cfg.Variants))
	}

	controls := 0
	seen := make(map[string]bool, len(cfg.Variants))
	variants := make([]store.Variant, len(cfg.Variants))
	for i, vc := range cfg.Variants {
		id := vc.ID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate variant id %q", ErrInvalidConfiguration, id)
		}
		seen[id] = true
		if vc.Control {
			controls++
		}
		variants[i] = store.Variant{ID: id, Name: vc.Name, Params: vc.Params, Control: vc.Control}
	}
	if controls != 1 {
		return nil, fmt.Errorf("%w: exactly one control variant required, got %d", ErrInvalidConfiguration, controls)
	}

	if len(cfg.Goals) == 0 {
		return nil, fmt.Errorf("%w: at least one goal required", ErrInvalidConfiguration)
	}
	goals := make([]store.Goal, len(cfg.Goals))
	for i, gc := range cfg.Goals {
		id := gc.ID
		if id == "" {
			id = uuid.NewString()
		}
		kind := gc.Kind
		if kind == "" {
			kind = store.MetricBinary
		}
		if kind != store.MetricBinary && kind != store.MetricContinuous {
			return nil, fmt.Errorf("%w: unknown goal kind %q", ErrInvalidConfiguration, kind)
		}
		dir := gc.Direction
		if dir == "" {
			dir = store.HigherIsBetter
		}
		goals[i] = store.Goal{
			ID: id, Name: gc.Name, Kind: kind, Direction: dir,
			Weight: gc.Weight, AllowRepeatConversions: gc.AllowRepeatConversions,
		}
	}

	typ := cfg.Type
	if typ == "" {
		typ = store.TypeSimpleAB
	}
	switch typ {
	case store.TypeSimpleAB, store.TypeMultivariate, store.TypeBandit, store.TypeSequential:
	default:
		return nil, fmt.Errorf("%w: unknown test type %q", ErrInvalidConfiguration, typ)
	}

	weights := cfg.Weights
	if len(weights) == 0 {
		weights = make([]float64, len(variants))
		for i := range weights {
			weights[i] = 1 / float64(len(variants))
		}
	}
	if len(weights) != len(variants) {
		return nil, fmt.Errorf("%w: %d weights for %d variants", ErrInvalidConfiguration, len(weights), len(variants))
	}
	sum := 0.0
	for _, w := range weights {
		if w < 0 {
			return nil, fmt.Errorf("%w: negative weight %f", ErrInvalidConfiguration, w)
		}
		sum += w
	}
	if math.Abs(sum-1) > weightEpsilon {
		return nil, fmt.Errorf("%w: weights sum to %f, want 1", ErrInvalidConfiguration, sum)
	}

	eps := cfg.Epsilon
	if typ == store.TypeBandit {
		if eps == 0 {
			eps = 0.1
			if eps*float64(len(variants)) >= 1 {
				eps = 0.5 / float64(len(variants))
			}
		}
		if eps < 0 || eps*float64(len(variants)) >= 1 {
			return nil, fmt.Errorf("%w: epsilon %f leaves no exploitation budget for %d arms", ErrInvalidConfiguration, eps, len(variants))
		}
	}

	stats := cfg.Stats
	if stats.Method == "" {
		stats.Method = store.MethodFrequentist
	}
	switch stats.Method {
	case store.MethodFrequentist, store.MethodBayesian, store.MethodBootstrap:
	default:
		return nil, fmt.Errorf("%w: unknown method %q", ErrInvalidConfiguration, stats.Method)
	}
	if stats.Alpha == 0 {
		stats.Alpha = 0.05
	}
	if stats.Alpha <= 0 || stats.Alpha >= 1 {
		return nil, fmt.Errorf("%w: alpha %f out of (0, 1)", ErrInvalidConfiguration, stats.Alpha)
	}
	if stats.ConfidenceLevel == 0 {
		stats.ConfidenceLevel = 0.95
	}
	if stats.Power == 0 {
		stats.Power = 0.8
	}
	if stats.BootstrapIterations == 0 {
		stats.BootstrapIterations = 2000
	}
	if typ == store.TypeSequential && stats.MaxLooks == 0 {
		stats.MaxLooks = 5
	}

	minSample := cfg.MinSampleSize
	if minSample == 0 {
		minSample = 100
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &store.Test{
		ID:                   id,
		Name:                 cfg.Name,
		Description:          cfg.Description,
		Type:                 typ,
		Variants:             variants,
		Weights:              weights,
		Audience:             cfg.Audience,
		Goals:                goals,
		Epsilon:              eps,
		PlannedDuration:      cfg.PlannedDuration,
		MinSampleSize:        minSample,
		Stats:                stats,
		AllowRepeatExposures: cfg.AllowRepeatExposures,
		Status:               store.StatusDraft,
		Owner:                cfg.Owner,
		Tags:                 cfg.Tags,
		CreatedAt:            now,
	}, nil
}

// StartTest moves a draft test to running, freezing its configuration and
// stamping the activation time. Only the first call succeeds.
func (e *Engine) StartTest(ctx context.Context, testID string) error {
	return e.transition(ctx, testID, store.StatusDraft, store.StatusRunning)
}

// ConcludeTest stops a running test. Analysis remains available afterwards.
func (e *Engine) ConcludeTest(ctx context.Context, testID string) error {
	return e.transition(ctx, testID, store.StatusRunning, store.StatusConcluded)
}

// ArchiveTest scraps a draft that never ran.
func (e *Engine) ArchiveTest(ctx context.Context, testID string) error {
	return e.transition(ctx, testID, store.StatusDraft, store.StatusArchived)
}

func (e *Engine) transition(ctx context.Context, testID string, from, to store.TestStatus) error {
	err := e.store.TransitionTest(ctx, testID, from, to, e.now())
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("test %s: %w", testID, ErrNotFound)
	case errors.Is(err, store.ErrStaleStatus):
		return fmt.Errorf("cannot move test %s to %s: %w", testID, to, ErrInvalidTransition)
	default:
		return fmt.Errorf("failed to transition test %s: %w", testID, err)
	}
}

// GetTest returns a test by id.
func (e *Engine) GetTest(ctx context.Context, testID string) (*store.Test, error) {
	return e.getTest(ctx, testID)
}

// GetTests lists every test.
func (e *Engine) GetTests(ctx context.Context) ([]*store.Test, error) {
	return e.store.ListTests(ctx)
}

// GetUserExperiments returns all of a user's assignments across tests, so
// collaborators can render a consistent experiment context per session.
func (e *Engine) GetUserExperiments(ctx context.Context, userID string) ([]*store.Assignment, error) {
	return e.store.ListAssignmentsByUser(ctx, userID)
}
