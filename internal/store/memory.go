package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the default in-process backend. Assignment creation is a
// lock-free compare-and-swap on a sync.Map, so concurrent first-time
// requests for the same (test, user) collapse to a single winner. Counter
// updates take a lock no wider than one variant.
type MemoryStore struct {
	mu    sync.RWMutex
	tests map[string]*testState

	assignments sync.Map // assignKey -> *Assignment

	userMu sync.Mutex
	byUser map[string][]*Assignment
}

type testState struct {
	mu       sync.RWMutex // guards rec
	rec      *Test
	variants map[string]*variantCounters

	evMu   sync.Mutex
	events []*Event
	nextID int64
}

type variantCounters struct {
	mu          sync.Mutex
	exposures   int64
	exposed     map[string]struct{}
	conversions map[string]int64
	converted   map[string]map[string]struct{}
	goalValues  map[string]*MetricAgg
	// outcomes accumulates per-user converted value per goal, feeding the
	// bootstrap analyzer.
	outcomes map[string]map[string]float64
	metrics  map[string]*MetricAgg
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tests:  make(map[string]*testState),
		byUser: make(map[string][]*Assignment),
	}
}

func assignKey(testID, userID string) string { return testID + "\x00" + userID }

func (m *MemoryStore) CreateTest(_ context.Context, t *Test) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tests[t.ID]; ok {
		return fmt.Errorf("test %s already exists", t.ID)
	}

	ts := &testState{
		rec:      cloneTest(t),
		variants: make(map[string]*variantCounters, len(t.Variants)),
	}
	for _, v := range t.Variants {
		ts.variants[v.ID] = newVariantCounters()
	}
	m.tests[t.ID] = ts
	return nil
}

func newVariantCounters() *variantCounters {
	return &variantCounters{
		exposed:     make(map[string]struct{}),
		conversions: make(map[string]int64),
		converted:   make(map[string]map[string]struct{}),
		goalValues:  make(map[string]*MetricAgg),
		outcomes:    make(map[string]map[string]float64),
		metrics:     make(map[string]*MetricAgg),
	}
}

func (m *MemoryStore) state(id string) (*testState, error) {
	m.mu.RLock()
	ts, ok := m.tests[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return ts, nil
}

func (m *MemoryStore) GetTest(_ context.Context, id string) (*Test, error) {
	ts, err := m.state(id)
	if err != nil {
		return nil, err
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return cloneTest(ts.rec), nil
}

func (m *MemoryStore) ListTests(_ context.Context) ([]*Test, error) {
	m.mu.RLock()
	states := make([]*testState, 0, len(m.tests))
	for _, ts := range m.tests {
		states = append(states, ts)
	}
	m.mu.RUnlock()

	tests := make([]*Test, 0, len(states))
	for _, ts := range states {
		ts.mu.RLock()
		tests = append(tests, cloneTest(ts.rec))
		ts.mu.RUnlock()
	}
	return tests, nil
}

func (m *MemoryStore) TransitionTest(_ context.Context, id string, from, to TestStatus, at time.Time) error {
	ts, err := m.state(id)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.rec.Status != from {
		return fmt.Errorf("test %s is %s: %w", id, ts.rec.Status, ErrStaleStatus)
	}
	ts.rec.Status = to
	switch to {
	case StatusRunning:
		t := at
		ts.rec.ActivatedAt = &t
	case StatusConcluded, StatusArchived:
		t := at
		ts.rec.ConcludedAt = &t
	}
	return nil
}

func (m *MemoryStore) UpdateWeights(_ context.Context, id string, weights []float64) error {
	ts, err := m.state(id)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if len(weights) != len(ts.rec.Variants) {
		return fmt.Errorf("weight count %d does not match %d variants", len(weights), len(ts.rec.Variants))
	}
	ts.rec.Weights = append([]float64(nil), weights...)
	return nil
}

func (m *MemoryStore) ConsumeLook(_ context.Context, id string) (int, error) {
	ts, err := m.state(id)
	if err != nil {
		return 0, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.rec.LooksSpent++
	return ts.rec.LooksSpent, nil
}

func (m *MemoryStore) CreateAssignment(_ context.Context, a *Assignment) (*Assignment, bool, error) {
	if _, err := m.state(a.TestID); err != nil {
		return nil, false, err
	}

	actual, loaded := m.assignments.LoadOrStore(assignKey(a.TestID, a.UserID), a)
	winner := actual.(*Assignment)
	if loaded {
		// Lost the race (or a repeat call): hand back the winner's record.
		return winner, false, nil
	}

	m.userMu.Lock()
	m.byUser[a.UserID] = append(m.byUser[a.UserID], a)
	m.userMu.Unlock()
	return winner, true, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, testID, userID string) (*Assignment, error) {
	v, ok := m.assignments.Load(assignKey(testID, userID))
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Assignment), nil
}

func (m *MemoryStore) ListAssignmentsByUser(_ context.Context, userID string) ([]*Assignment, error) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	return append([]*Assignment(nil), m.byUser[userID]...), nil
}

func (m *MemoryStore) counters(testID, variantID string) (*testState, *variantCounters, error) {
	ts, err := m.state(testID)
	if err != nil {
		return nil, nil, err
	}
	vc, ok := ts.variants[variantID]
	if !ok {
		return nil, nil, fmt.Errorf("variant %s: %w", variantID, ErrNotFound)
	}
	return ts, vc, nil
}

func (m *MemoryStore) RecordExposure(_ context.Context, a *Assignment, dedup bool, props Properties) (bool, error) {
	ts, vc, err := m.counters(a.TestID, a.VariantID)
	if err != nil {
		return false, err
	}

	vc.mu.Lock()
	_, seen := vc.exposed[a.UserID]
	if dedup && seen {
		vc.mu.Unlock()
		return false, nil
	}
	vc.exposed[a.UserID] = struct{}{}
	vc.exposures++
	vc.mu.Unlock()

	ts.appendEvent(&Event{
		TestID: a.TestID, UserID: a.UserID, VariantID: a.VariantID,
		Type: EventExposure, Properties: props, CreatedAt: time.Now(),
	})
	return true, nil
}

func (m *MemoryStore) RecordConversion(_ context.Context, a *Assignment, goalID string, value float64, dedup bool, props Properties) (bool, error) {
	ts, vc, err := m.counters(a.TestID, a.VariantID)
	if err != nil {
		return false, err
	}

	vc.mu.Lock()
	done := vc.converted[goalID]
	if done == nil {
		done = make(map[string]struct{})
		vc.converted[goalID] = done
	}
	if _, seen := done[a.UserID]; dedup && seen {
		vc.mu.Unlock()
		return false, nil
	}
	done[a.UserID] = struct{}{}
	vc.conversions[goalID]++
	agg := vc.goalValues[goalID]
	if agg == nil {
		agg = &MetricAgg{}
		vc.goalValues[goalID] = agg
	}
	agg.Fold(value)
	perUser := vc.outcomes[goalID]
	if perUser == nil {
		perUser = make(map[string]float64)
		vc.outcomes[goalID] = perUser
	}
	perUser[a.UserID] += value
	vc.mu.Unlock()

	ts.appendEvent(&Event{
		TestID: a.TestID, UserID: a.UserID, VariantID: a.VariantID,
		Type: EventConversion, GoalID: goalID, Value: value,
		Properties: props, CreatedAt: time.Now(),
	})
	return true, nil
}

func (m *MemoryStore) RecordMetric(_ context.Context, a *Assignment, name string, value float64, props Properties) error {
	ts, vc, err := m.counters(a.TestID, a.VariantID)
	if err != nil {
		return err
	}

	vc.mu.Lock()
	agg := vc.metrics[name]
	if agg == nil {
		agg = &MetricAgg{}
		vc.metrics[name] = agg
	}
	agg.Fold(value)
	vc.mu.Unlock()

	ts.appendEvent(&Event{
		TestID: a.TestID, UserID: a.UserID, VariantID: a.VariantID,
		Type: EventMetric, Metric: name, Value: value,
		Properties: props, CreatedAt: time.Now(),
	})
	return nil
}

func (ts *testState) appendEvent(e *Event) {
	ts.evMu.Lock()
	ts.nextID++
	e.ID = ts.nextID
	ts.events = append(ts.events, e)
	ts.evMu.Unlock()
}

func (m *MemoryStore) VariantSnapshot(_ context.Context, testID string) ([]VariantStats, error) {
	ts, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	ts.mu.RLock()
	order := make([]string, len(ts.rec.Variants))
	for i, v := range ts.rec.Variants {
		order[i] = v.ID
	}
	ts.mu.RUnlock()

	stats := make([]VariantStats, 0, len(order))
	for _, id := range order {
		vc := ts.variants[id]
		vc.mu.Lock()
		s := VariantStats{
			VariantID:   id,
			Exposures:   vc.exposures,
			Conversions: make(map[string]int64, len(vc.conversions)),
			GoalValues:  make(map[string]MetricAgg, len(vc.goalValues)),
			Metrics:     make(map[string]MetricAgg, len(vc.metrics)),
		}
		for g, n := range vc.conversions {
			s.Conversions[g] = n
		}
		for g, agg := range vc.goalValues {
			s.GoalValues[g] = *agg
		}
		for name, agg := range vc.metrics {
			s.Metrics[name] = *agg
		}
		vc.mu.Unlock()
		stats = append(stats, s)
	}
	return stats, nil
}

func (m *MemoryStore) Outcomes(_ context.Context, testID, goalID string) (map[string][]float64, error) {
	ts, err := m.state(testID)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]float64, len(ts.variants))
	for id, vc := range ts.variants {
		vc.mu.Lock()
		perUser := vc.outcomes[goalID]
		values := make([]float64, 0, len(vc.exposed))
		for user := range vc.exposed {
			values = append(values, perUser[user])
		}
		vc.mu.Unlock()
		out[id] = values
	}
	return out, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, testID string) ([]*Event, error) {
	ts, err := m.state(testID)
	if err != nil {
		return nil, err
	}
	ts.evMu.Lock()
	defer ts.evMu.Unlock()
	return append([]*Event(nil), ts.events...), nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneTest(t *Test) *Test {
	c := *t
	c.Variants = append([]Variant(nil), t.Variants...)
	c.Weights = append([]float64(nil), t.Weights...)
	c.Goals = append([]Goal(nil), t.Goals...)
	c.Tags = append([]string(nil), t.Tags...)
	if t.ActivatedAt != nil {
		at := *t.ActivatedAt
		c.ActivatedAt = &at
	}
	if t.ConcludedAt != nil {
		at := *t.ConcludedAt
		c.ConcludedAt = &at
	}
	return &c
}
