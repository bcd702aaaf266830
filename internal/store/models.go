package store

import (
	"math"
	"time"
)

type TestType string

const (
	TypeSimpleAB     TestType = "simple_ab"
	TypeMultivariate TestType = "multivariate"
	TypeBandit       TestType = "multi_armed_bandit"
	TypeSequential   TestType = "sequential"
)

type TestStatus string

const (
	StatusDraft     TestStatus = "draft"
	StatusRunning   TestStatus = "running"
	StatusConcluded TestStatus = "concluded"
	StatusArchived  TestStatus = "archived"
)

type Method string

const (
	MethodFrequentist Method = "frequentist"
	MethodBayesian    Method = "bayesian"
	MethodBootstrap   Method = "bootstrap"
)

type MetricKind string

const (
	MetricBinary     MetricKind = "binary"
	MetricContinuous MetricKind = "continuous"
)

type Direction string

const (
	HigherIsBetter Direction = "higher"
	LowerIsBetter  Direction = "lower"
)

// Goal defines one success metric for a test. Goals[0] on a Test is the
// primary goal and drives the analysis verdict; the rest are reported only.
type Goal struct {
	ID        string
	Name      string
	Kind      MetricKind
	Direction Direction
	// Weight is reserved for multi-goal combination; unused until a
	// combination rule is configured.
	Weight float64
	// AllowRepeatConversions disables per-(assignment, goal) deduplication,
	// e.g. for revenue goals where every purchase counts.
	AllowRepeatConversions bool
}

// Variant is one treatment arm. Params carries the content/parameter
// differences the arm represents; the engine never interprets them.
type Variant struct {
	ID      string
	Name    string
	Params  map[string]string
	Control bool
}

// StatConfig is frozen when the test starts.
type StatConfig struct {
	Method Method
	// Alpha is the significance threshold for frequentist and sequential
	// analysis (default 0.05).
	Alpha float64
	// Power is recorded for sample-size planning; analysis does not use it.
	Power float64
	// ConfidenceLevel sizes confidence/credible intervals (default 0.95).
	ConfidenceLevel float64
	// BootstrapIterations is the resample count for the bootstrap method.
	BootstrapIterations int
	// MaxLooks bounds alpha spending for sequential tests.
	MaxLooks int
}

// Audience is the targeting predicate evaluated at assignment time.
// A zero Audience matches every user.
type Audience struct {
	// Attributes are required equality matches against the user profile.
	Attributes map[string]string
	// DeviceTypes restricts assignment to the listed device types.
	DeviceTypes []string
}

// Matches reports whether a user is eligible for assignment.
func (a Audience) Matches(profile UserProfile, device DeviceInfo) bool {
	for k, want := range a.Attributes {
		if profile.Attributes[k] != want {
			return false
		}
	}
	if len(a.DeviceTypes) > 0 {
		ok := false
		for _, dt := range a.DeviceTypes {
			if dt == device.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type Test struct {
	ID          string
	Name        string
	Description string
	Type        TestType
	Variants    []Variant
	// Weights parallels Variants and sums to 1. For multi_armed_bandit tests
	// the optimizer rewrites it between assignments.
	Weights  []float64
	Audience Audience
	Goals    []Goal
	// Epsilon is the bandit exploration floor: every arm keeps at least
	// Epsilon/len(Variants) of traffic.
	Epsilon              float64
	PlannedDuration      time.Duration
	MinSampleSize        int
	Stats                StatConfig
	AllowRepeatExposures bool
	Status               TestStatus
	// LooksSpent counts interim analyses consumed by a sequential test.
	LooksSpent  int
	Owner       string
	Tags        []string
	CreatedAt   time.Time
	ActivatedAt *time.Time
	ConcludedAt *time.Time
}

// Variant returns the variant with the given id, or nil.
func (t *Test) Variant(id string) *Variant {
	for i := range t.Variants {
		if t.Variants[i].ID == id {
			return &t.Variants[i]
		}
	}
	return nil
}

// Control returns the control arm, or nil for a malformed test.
func (t *Test) Control() *Variant {
	for i := range t.Variants {
		if t.Variants[i].Control {
			return &t.Variants[i]
		}
	}
	return nil
}

// Goal returns the goal with the given id, or nil.
func (t *Test) Goal(id string) *Goal {
	for i := range t.Goals {
		if t.Goals[i].ID == id {
			return &t.Goals[i]
		}
	}
	return nil
}

// PrimaryGoal returns the first goal, which drives the verdict.
func (t *Test) PrimaryGoal() *Goal {
	if len(t.Goals) == 0 {
		return nil
	}
	return &t.Goals[0]
}

type UserProfile struct {
	ID         string
	Attributes map[string]string
}

type SessionInfo struct {
	ID          string
	StartedAt   time.Time
	Referrer    string
	UserAgent   string
	LandingPage string
}

type DeviceInfo struct {
	Type     string
	OS       string
	Browser  string
	Timezone string
}

// Assignment pins a user to a variant for the lifetime of a test. It is
// created once and never rewritten; re-assignment requests get this record.
type Assignment struct {
	TestID    string
	UserID    string
	VariantID string
	// Audience is the targeting snapshot that admitted the user.
	Audience   Audience
	Session    SessionInfo
	Device     DeviceInfo
	AssignedAt time.Time
}

type EventType string

const (
	EventExposure   EventType = "exposure"
	EventConversion EventType = "conversion"
	EventMetric     EventType = "metric"
)

// ScalarKind enumerates the closed set of event property types.
type ScalarKind string

const (
	ScalarString ScalarKind = "string"
	ScalarNumber ScalarKind = "number"
	ScalarBool   ScalarKind = "bool"
	ScalarTime   ScalarKind = "time"
)

// Scalar is one event property value. Exactly one payload field is
// meaningful, selected by Kind.
type Scalar struct {
	Kind ScalarKind `json:"kind"`
	Str  string     `json:"str,omitempty"`
	Num  float64    `json:"num,omitempty"`
	Bool bool       `json:"bool,omitempty"`
	Time time.Time  `json:"time,omitempty"`
}

func StringValue(s string) Scalar  { return Scalar{Kind: ScalarString, Str: s} }
func NumberValue(n float64) Scalar { return Scalar{Kind: ScalarNumber, Num: n} }
func BoolValue(b bool) Scalar      { return Scalar{Kind: ScalarBool, Bool: b} }
func TimeValue(t time.Time) Scalar { return Scalar{Kind: ScalarTime, Time: t} }

type Properties map[string]Scalar

// Event is one append-only tracking record tied to an assignment.
type Event struct {
	ID        int64
	TestID    string
	UserID    string
	VariantID string
	Type      EventType
	// GoalID is set for conversion events, Metric for metric events.
	GoalID     string
	Metric     string
	Value      float64
	Properties Properties
	CreatedAt  time.Time
}

// MetricAgg is a running aggregate: count, sum and sum of squares, enough
// to recover mean and sample variance without storing raw observations.
type MetricAgg struct {
	Count int64
	Sum   float64
	SumSq float64
}

// Fold adds one observation.
func (a *MetricAgg) Fold(v float64) {
	a.Count++
	a.Sum += v
	a.SumSq += v * v
}

func (a MetricAgg) Mean() float64 {
	if a.Count == 0 {
		return 0
	}
	return a.Sum / float64(a.Count)
}

// Variance returns the sample variance (n-1 denominator).
func (a MetricAgg) Variance() float64 {
	if a.Count < 2 {
		return 0
	}
	n := float64(a.Count)
	v := (a.SumSq - a.Sum*a.Sum/n) / (n - 1)
	if v < 0 {
		// Floating-point cancellation can push this slightly negative.
		return 0
	}
	return v
}

func (a MetricAgg) StdDev() float64 { return math.Sqrt(a.Variance()) }

// VariantStats is a consistent read snapshot of one variant's counters.
type VariantStats struct {
	VariantID string
	Exposures int64
	// Conversions and GoalValues are keyed by goal id.
	Conversions map[string]int64
	GoalValues  map[string]MetricAgg
	// Metrics holds auxiliary named metrics not tied to a goal.
	Metrics map[string]MetricAgg
}
