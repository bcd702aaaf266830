package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/store"
)

type HealthResponse struct {
	Status        string `json:"status"`
	TestsCount    int    `json:"tests_count"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tests, err := s.engine.GetTests(r.Context())
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, HealthResponse{
		Status:        "ok",
		TestsCount:    len(tests),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}

// CreateTestRequest mirrors engine.Config for the wire.
type CreateTestRequest struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Type        string  `json:"type,omitempty"`
	Variants    []struct {
		ID      string            `json:"id,omitempty"`
		Name    string            `json:"name"`
		Params  map[string]string `json:"params,omitempty"`
		Control bool              `json:"control"`
	} `json:"variants"`
	Weights  []float64 `json:"weights,omitempty"`
	Audience struct {
		Attributes  map[string]string `json:"attributes,omitempty"`
		DeviceTypes []string          `json:"device_types,omitempty"`
	} `json:"audience"`
	Goals []struct {
		ID                     string  `json:"id,omitempty"`
		Name                   string  `json:"name"`
		Kind                   string  `json:"kind,omitempty"`
		Direction              string  `json:"direction,omitempty"`
		Weight                 float64 `json:"weight,omitempty"`
		AllowRepeatConversions bool    `json:"allow_repeat_conversions,omitempty"`
	} `json:"goals"`
	Epsilon              float64          `json:"epsilon,omitempty"`
	MinSampleSize        int              `json:"min_sample_size,omitempty"`
	Stats                store.StatConfig `json:"stats"`
	AllowRepeatExposures bool             `json:"allow_repeat_exposures,omitempty"`
	Owner                string           `json:"owner,omitempty"`
	Tags                 []string         `json:"tags,omitempty"`
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request) {
	var req CreateTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	cfg := engine.Config{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Type:        store.TestType(req.Type),
		Weights:     req.Weights,
		Audience: store.Audience{
			Attributes:  req.Audience.Attributes,
			DeviceTypes: req.Audience.DeviceTypes,
		},
		Epsilon:              req.Epsilon,
		MinSampleSize:        req.MinSampleSize,
		Stats:                req.Stats,
		AllowRepeatExposures: req.AllowRepeatExposures,
		Owner:                req.Owner,
		Tags:                 req.Tags,
	}
	for _, v := range req.Variants {
		cfg.Variants = append(cfg.Variants, engine.VariantConfig{
			ID: v.ID, Name: v.Name, Params: v.Params, Control: v.Control,
		})
	}
	for _, g := range req.Goals {
		cfg.Goals = append(cfg.Goals, engine.GoalConfig{
			ID: g.ID, Name: g.Name,
			Kind:      store.MetricKind(g.Kind),
			Direction: store.Direction(g.Direction),
			Weight:    g.Weight, AllowRepeatConversions: g.AllowRepeatConversions,
		})
	}

	test, err := s.engine.CreateTest(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(test)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request) {
	tests, err := s.engine.GetTests(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tests == nil {
		tests = []*store.Test{}
	}
	writeJSON(w, tests)
}

func (s *Server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	test, err := s.engine.GetTest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, test)
}

func (s *Server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.StartTest(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConcludeTest(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ConcludeTest(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.AnalyzeTest(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, result)
}

func (s *Server) handleUpdateWeights(w http.ResponseWriter, r *http.Request) {
	weights, err := s.engine.UpdateWeights(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string][]float64{"weights": weights})
}

// AssignRequest carries the collaborator-supplied user context.
type AssignRequest struct {
	TestID  string `json:"test_id"`
	UserID  string `json:"user_id"`
	Profile struct {
		Attributes map[string]string `json:"attributes,omitempty"`
	} `json:"profile"`
	Session struct {
		ID          string    `json:"id,omitempty"`
		StartedAt   time.Time `json:"started_at,omitempty"`
		Referrer    string    `json:"referrer,omitempty"`
		UserAgent   string    `json:"user_agent,omitempty"`
		LandingPage string    `json:"landing_page,omitempty"`
	} `json:"session"`
	Device struct {
		Type     string `json:"type,omitempty"`
		OS       string `json:"os,omitempty"`
		Browser  string `json:"browser,omitempty"`
		Timezone string `json:"timezone,omitempty"`
	} `json:"device"`
}

type AssignResponse struct {
	// VariantID is empty when the user was not assigned (test not running
	// or audience mismatch).
	VariantID string `json:"variant_id"`
	Assigned  bool   `json:"assigned"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TestID == "" || req.UserID == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	variantID, err := s.engine.Assign(r.Context(), req.TestID,
		store.UserProfile{ID: req.UserID, Attributes: req.Profile.Attributes},
		store.SessionInfo{
			ID: req.Session.ID, StartedAt: req.Session.StartedAt,
			Referrer: req.Session.Referrer, UserAgent: req.Session.UserAgent,
			LandingPage: req.Session.LandingPage,
		},
		store.DeviceInfo{
			Type: req.Device.Type, OS: req.Device.OS,
			Browser: req.Device.Browser, Timezone: req.Device.Timezone,
		})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, AssignResponse{VariantID: variantID, Assigned: variantID != ""})
}

// TrackRequest is the beacon payload for all three event kinds.
type TrackRequest struct {
	TestID string `json:"test_id"`
	UserID string `json:"user_id"`
	// Type is "exposure", "conversion" or "metric".
	Type       string         `json:"type"`
	GoalID     string         `json:"goal_id,omitempty"`
	Metric     string         `json:"metric,omitempty"`
	Value      *float64       `json:"value,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.TestID == "" || req.UserID == "" {
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	props := coerceProperties(req.Properties)
	ctx := r.Context()

	var err error
	switch req.Type {
	case "exposure":
		err = s.engine.TrackExposure(ctx, req.TestID, req.UserID, props)
	case "conversion":
		value := 1.0
		if req.Value != nil {
			value = *req.Value
		}
		err = s.engine.TrackConversion(ctx, req.TestID, req.UserID, req.GoalID, value, props)
	case "metric":
		if req.Metric == "" || req.Value == nil {
			http.Error(w, "Metric events need a metric name and value", http.StatusBadRequest)
			return
		}
		err = s.engine.TrackMetric(ctx, req.TestID, req.UserID, req.Metric, *req.Value, props)
	default:
		http.Error(w, "Invalid event type", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserExperiments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.engine.GetUserExperiments(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if assignments == nil {
		assignments = []*store.Assignment{}
	}
	writeJSON(w, assignments)
}

// coerceProperties narrows free-form JSON values to the engine's closed
// scalar set. RFC 3339 strings become timestamps; everything else keeps its
// JSON type. Unsupported values are dropped.
func coerceProperties(in map[string]any) store.Properties {
	if len(in) == 0 {
		return nil
	}
	props := make(store.Properties, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, x); err == nil {
				props[k] = store.TimeValue(t)
			} else {
				props[k] = store.StringValue(x)
			}
		case bool:
			props[k] = store.BoolValue(x)
		case float64:
			props[k] = store.NumberValue(x)
		}
	}
	return props
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidConfiguration),
		errors.Is(err, engine.ErrUnknownGoal):
		code = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoAssignment),
		errors.Is(err, engine.ErrInvalidTransition):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}
