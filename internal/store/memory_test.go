package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func memTest() *Test {
	return &Test{
		ID:   "t1",
		Name: "Hero copy",
		Type: TypeSimpleAB,
		Variants: []Variant{
			{ID: "a", Name: "Control", Control: true},
			{ID: "b", Name: "Treatment"},
		},
		Weights: []float64{0.5, 0.5},
		Goals: []Goal{
			{ID: "signup", Name: "Signup", Kind: MetricBinary, Direction: HigherIsBetter},
		},
		Stats:  StatConfig{Method: MethodFrequentist, Alpha: 0.05, ConfidenceLevel: 0.95},
		Status: StatusDraft,
	}
}

func assignmentFor(testID, userID, variantID string) *Assignment {
	return &Assignment{
		TestID:     testID,
		UserID:     userID,
		VariantID:  variantID,
		AssignedAt: time.Now(),
	}
}

func TestMemoryStore_CreateAndGetTest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.CreateTest(ctx, memTest()); err == nil {
		t.Error("duplicate create should fail")
	}

	got, err := m.GetTest(ctx, "t1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "Hero copy" || len(got.Variants) != 2 {
		t.Errorf("unexpected record: %+v", got)
	}

	// The store hands out copies, not aliases.
	got.Variants[0].Name = "mutated"
	again, _ := m.GetTest(ctx, "t1")
	if again.Variants[0].Name != "Control" {
		t.Error("GetTest result aliases internal state")
	}

	if _, err := m.GetTest(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_TransitionTest(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := m.TransitionTest(ctx, "t1", StatusDraft, StatusRunning, now); err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	got, _ := m.GetTest(ctx, "t1")
	if got.Status != StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.ActivatedAt == nil {
		t.Error("ActivatedAt not stamped")
	}

	// Second start must fail: the test is no longer a draft.
	err := m.TransitionTest(ctx, "t1", StatusDraft, StatusRunning, now)
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}
}

func TestMemoryStore_TransitionConcurrentSingleWinner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TransitionTest(ctx, "t1", StatusDraft, StatusRunning, time.Now()) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Errorf("%d concurrent transitions succeeded, want exactly 1", won)
	}
}

func TestMemoryStore_CreateAssignmentFirstWriterWins(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}

	const n = 64
	var wg sync.WaitGroup
	variants := []string{"a", "b"}
	created := make(chan string, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := assignmentFor("t1", "user-1", variants[i%2])
			winner, won, err := m.CreateAssignment(ctx, a)
			if err != nil {
				t.Errorf("create assignment: %v", err)
				return
			}
			if won {
				created <- winner.VariantID
			}
		}()
	}
	wg.Wait()
	close(created)

	won := 0
	for range created {
		won++
	}
	if won != 1 {
		t.Fatalf("%d creators won, want exactly 1", won)
	}

	// Every subsequent read sees the single winning record.
	stored, err := m.GetAssignment(ctx, "t1", "user-1")
	if err != nil {
		t.Fatal(err)
	}
	winner, wonAgain, err := m.CreateAssignment(ctx, assignmentFor("t1", "user-1", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if wonAgain {
		t.Error("repeat create reported created=true")
	}
	if winner.VariantID != stored.VariantID {
		t.Errorf("repeat create returned %s, stored %s", winner.VariantID, stored.VariantID)
	}
}

func TestMemoryStore_ListAssignmentsByUser(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		tst := memTest()
		tst.ID = id
		if err := m.CreateTest(ctx, tst); err != nil {
			t.Fatal(err)
		}
		if _, _, err := m.CreateAssignment(ctx, assignmentFor(id, "user-1", "a")); err != nil {
			t.Fatal(err)
		}
	}

	assignments, err := m.ListAssignmentsByUser(ctx, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 2 {
		t.Errorf("got %d assignments, want 2", len(assignments))
	}

	none, err := m.ListAssignmentsByUser(ctx, "stranger")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("got %d assignments for unknown user, want 0", len(none))
	}
}

func TestMemoryStore_ExposureDedup(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor("t1", "user-1", "b")
	if _, _, err := m.CreateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}

	counted, err := m.RecordExposure(ctx, a, true, nil)
	if err != nil || !counted {
		t.Fatalf("first exposure: counted=%v err=%v", counted, err)
	}
	counted, err = m.RecordExposure(ctx, a, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	if counted {
		t.Error("deduped repeat exposure was counted")
	}

	snapshot, err := m.VariantSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	for _, vs := range snapshot {
		if vs.VariantID == "b" && vs.Exposures != 1 {
			t.Errorf("exposures = %d, want 1", vs.Exposures)
		}
	}
}

func TestMemoryStore_RepeatExposuresWhenAllowed(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor("t1", "user-1", "b")
	if _, _, err := m.CreateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if counted, err := m.RecordExposure(ctx, a, false, nil); err != nil || !counted {
			t.Fatalf("exposure %d: counted=%v err=%v", i, counted, err)
		}
	}

	snapshot, _ := m.VariantSnapshot(ctx, "t1")
	for _, vs := range snapshot {
		if vs.VariantID == "b" && vs.Exposures != 3 {
			t.Errorf("exposures = %d, want 3", vs.Exposures)
		}
	}
}

func TestMemoryStore_ConversionDedupPerGoal(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	tst := memTest()
	tst.Goals = append(tst.Goals, Goal{ID: "revenue", Name: "Revenue", Kind: MetricContinuous, Direction: HigherIsBetter})
	if err := m.CreateTest(ctx, tst); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor("t1", "user-1", "b")
	if _, _, err := m.CreateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}

	if counted, _ := m.RecordConversion(ctx, a, "signup", 1, true, nil); !counted {
		t.Fatal("first signup conversion not counted")
	}
	if counted, _ := m.RecordConversion(ctx, a, "signup", 1, true, nil); counted {
		t.Error("repeat signup conversion counted despite dedup")
	}
	// A different goal is a separate dedup scope.
	if counted, _ := m.RecordConversion(ctx, a, "revenue", 25, true, nil); !counted {
		t.Error("first revenue conversion not counted")
	}

	snapshot, _ := m.VariantSnapshot(ctx, "t1")
	for _, vs := range snapshot {
		if vs.VariantID != "b" {
			continue
		}
		if vs.Conversions["signup"] != 1 {
			t.Errorf("signup conversions = %d, want 1", vs.Conversions["signup"])
		}
		if agg := vs.GoalValues["revenue"]; agg.Sum != 25 {
			t.Errorf("revenue sum = %v, want 25", agg.Sum)
		}
	}
}

func TestMemoryStore_ConcurrentTracking(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}

	const users = 100
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := assignmentFor("t1", fmt.Sprintf("user-%d", i), "b")
			if _, _, err := m.CreateAssignment(ctx, a); err != nil {
				t.Errorf("assign: %v", err)
				return
			}
			if _, err := m.RecordExposure(ctx, a, true, nil); err != nil {
				t.Errorf("exposure: %v", err)
			}
			if i%2 == 0 {
				if _, err := m.RecordConversion(ctx, a, "signup", 1, true, nil); err != nil {
					t.Errorf("conversion: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	snapshot, err := m.VariantSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	for _, vs := range snapshot {
		if vs.VariantID != "b" {
			continue
		}
		if vs.Exposures != users {
			t.Errorf("exposures = %d, want %d", vs.Exposures, users)
		}
		if vs.Conversions["signup"] != users/2 {
			t.Errorf("conversions = %d, want %d", vs.Conversions["signup"], users/2)
		}
	}
}

func TestMemoryStore_Outcomes(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}

	// Three exposed users, one converts twice on a repeat-allowed goal.
	for _, user := range []string{"u1", "u2", "u3"} {
		a := assignmentFor("t1", user, "b")
		if _, _, err := m.CreateAssignment(ctx, a); err != nil {
			t.Fatal(err)
		}
		if _, err := m.RecordExposure(ctx, a, true, nil); err != nil {
			t.Fatal(err)
		}
	}
	a := assignmentFor("t1", "u1", "b")
	if _, err := m.RecordConversion(ctx, a, "signup", 2, false, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordConversion(ctx, a, "signup", 3, false, nil); err != nil {
		t.Fatal(err)
	}

	out, err := m.Outcomes(ctx, "t1", "signup")
	if err != nil {
		t.Fatal(err)
	}
	values := out["b"]
	if len(values) != 3 {
		t.Fatalf("got %d outcome values, want one per exposed user", len(values))
	}

	var total float64
	zeros := 0
	for _, v := range values {
		total += v
		if v == 0 {
			zeros++
		}
	}
	if total != 5 {
		t.Errorf("summed outcomes = %v, want 5", total)
	}
	if zeros != 2 {
		t.Errorf("%d non-converters, want 2", zeros)
	}
}

func TestMemoryStore_ConsumeLook(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}

	for want := 1; want <= 3; want++ {
		look, err := m.ConsumeLook(ctx, "t1")
		if err != nil {
			t.Fatal(err)
		}
		if look != want {
			t.Errorf("look = %d, want %d", look, want)
		}
	}
}

func TestMemoryStore_EventsRecorded(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	if err := m.CreateTest(ctx, memTest()); err != nil {
		t.Fatal(err)
	}
	a := assignmentFor("t1", "user-1", "a")
	if _, _, err := m.CreateAssignment(ctx, a); err != nil {
		t.Fatal(err)
	}

	if _, err := m.RecordExposure(ctx, a, true, Properties{"page": StringValue("/pricing")}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RecordConversion(ctx, a, "signup", 1, true, nil); err != nil {
		t.Fatal(err)
	}
	if err := m.RecordMetric(ctx, a, "latency_ms", 120, nil); err != nil {
		t.Fatal(err)
	}

	events, err := m.ListEvents(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != EventExposure || events[0].Properties["page"].Str != "/pricing" {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[1].Type != EventConversion || events[1].GoalID != "signup" {
		t.Errorf("unexpected second event: %+v", events[1])
	}
	if events[2].Type != EventMetric || events[2].Metric != "latency_ms" {
		t.Errorf("unexpected third event: %+v", events[2])
	}
}
