package server_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/expsplit/expsplit/internal/engine"
	"github.com/expsplit/expsplit/internal/server"
	"github.com/expsplit/expsplit/internal/store"
)

func newServer() *server.Server {
	return server.New(engine.New(store.NewMemoryStore()), 0)
}

func do(t *testing.T, srv *server.Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

const createBody = `{
	"id": "t1",
	"name": "Hero copy",
	"variants": [
		{"id": "a", "name": "Control", "control": true},
		{"id": "b", "name": "Treatment"}
	],
	"goals": [{"id": "signup", "name": "Signup"}]
}`

func createAndStart(t *testing.T, srv *server.Server) {
	t.Helper()
	if w := do(t, srv, http.MethodPost, "/api/tests", createBody); w.Code != http.StatusCreated {
		t.Fatalf("create: status %d: %s", w.Code, w.Body.String())
	}
	if w := do(t, srv, http.MethodPost, "/api/tests/t1/start", ""); w.Code != http.StatusNoContent {
		t.Fatalf("start: status %d: %s", w.Code, w.Body.String())
	}
}

func TestHealth(t *testing.T) {
	srv := newServer()
	w := do(t, srv, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", w.Code)
	}
	var health server.HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "ok" || health.TestsCount != 0 {
		t.Errorf("unexpected health: %+v", health)
	}
}

func TestCORS(t *testing.T) {
	srv := newServer()

	// Preflight succeeds without touching any route.
	w := do(t, srv, http.MethodOptions, "/api/track", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Errorf("Access-Control-Allow-Methods = %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); got != "Content-Type" {
		t.Errorf("Access-Control-Allow-Headers = %q", got)
	}

	// Regular responses carry the headers too.
	w = do(t, srv, http.MethodGet, "/health", "")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("health response missing CORS origin header, got %q", got)
	}
}

func TestCreateTest(t *testing.T) {
	srv := newServer()
	w := do(t, srv, http.MethodPost, "/api/tests", createBody)

	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var created store.Test
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if created.ID != "t1" || created.Status != store.StatusDraft {
		t.Errorf("unexpected test: %+v", created)
	}
	if len(created.Weights) != 2 {
		t.Errorf("default weights missing: %v", created.Weights)
	}
}

func TestCreateTest_InvalidConfig(t *testing.T) {
	srv := newServer()

	// One variant and no control.
	body := `{"name": "x", "variants": [{"id": "a", "name": "A"}], "goals": [{"name": "g"}]}`
	if w := do(t, srv, http.MethodPost, "/api/tests", body); w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}

	if w := do(t, srv, http.MethodPost, "/api/tests", "{not json"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed JSON: status %d, want 400", w.Code)
	}
}

func TestGetTest(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	w := do(t, srv, http.MethodGet, "/api/tests/t1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got store.Test
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Status != store.StatusRunning {
		t.Errorf("status = %s, want running", got.Status)
	}

	if w := do(t, srv, http.MethodGet, "/api/tests/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing test: status %d, want 404", w.Code)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	// Double start conflicts.
	if w := do(t, srv, http.MethodPost, "/api/tests/t1/start", ""); w.Code != http.StatusConflict {
		t.Errorf("double start: status %d, want 409", w.Code)
	}

	if w := do(t, srv, http.MethodPost, "/api/tests/t1/conclude", ""); w.Code != http.StatusNoContent {
		t.Errorf("conclude: status %d, want 204", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/tests/t1/conclude", ""); w.Code != http.StatusConflict {
		t.Errorf("double conclude: status %d, want 409", w.Code)
	}
}

func TestAssignEndpoint(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	body := `{"test_id": "t1", "user_id": "user-1", "device": {"type": "mobile"}}`
	w := do(t, srv, http.MethodPost, "/api/assign", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var first server.AssignResponse
	if err := json.NewDecoder(w.Body).Decode(&first); err != nil {
		t.Fatal(err)
	}
	if !first.Assigned || first.VariantID == "" {
		t.Fatalf("expected an assignment, got %+v", first)
	}

	// Repeat requests return the same variant.
	w = do(t, srv, http.MethodPost, "/api/assign", body)
	var again server.AssignResponse
	if err := json.NewDecoder(w.Body).Decode(&again); err != nil {
		t.Fatal(err)
	}
	if again.VariantID != first.VariantID {
		t.Errorf("variant flapped: %s then %s", first.VariantID, again.VariantID)
	}

	// Missing fields.
	if w := do(t, srv, http.MethodPost, "/api/assign", `{"test_id": "t1"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing user_id: status %d, want 400", w.Code)
	}
	// Unknown test.
	body = `{"test_id": "missing", "user_id": "user-1"}`
	if w := do(t, srv, http.MethodPost, "/api/assign", body); w.Code != http.StatusNotFound {
		t.Errorf("unknown test: status %d, want 404", w.Code)
	}
}

func TestTrackEndpoint(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	assign := `{"test_id": "t1", "user_id": "user-1"}`
	if w := do(t, srv, http.MethodPost, "/api/assign", assign); w.Code != http.StatusOK {
		t.Fatalf("assign failed: %d", w.Code)
	}

	exposure := `{"test_id": "t1", "user_id": "user-1", "type": "exposure", "properties": {"page": "/pricing", "new_visitor": true, "step": 2}}`
	if w := do(t, srv, http.MethodPost, "/api/track", exposure); w.Code != http.StatusNoContent {
		t.Errorf("exposure: status %d: %s", w.Code, w.Body.String())
	}

	conversion := `{"test_id": "t1", "user_id": "user-1", "type": "conversion", "goal_id": "signup"}`
	if w := do(t, srv, http.MethodPost, "/api/track", conversion); w.Code != http.StatusNoContent {
		t.Errorf("conversion: status %d: %s", w.Code, w.Body.String())
	}

	metric := `{"test_id": "t1", "user_id": "user-1", "type": "metric", "metric": "latency_ms", "value": 120}`
	if w := do(t, srv, http.MethodPost, "/api/track", metric); w.Code != http.StatusNoContent {
		t.Errorf("metric: status %d: %s", w.Code, w.Body.String())
	}
}

func TestTrackEndpoint_Errors(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	// Unknown event type.
	body := `{"test_id": "t1", "user_id": "u", "type": "pageview"}`
	if w := do(t, srv, http.MethodPost, "/api/track", body); w.Code != http.StatusBadRequest {
		t.Errorf("bad type: status %d, want 400", w.Code)
	}

	// Metric without a value.
	body = `{"test_id": "t1", "user_id": "u", "type": "metric", "metric": "x"}`
	if w := do(t, srv, http.MethodPost, "/api/track", body); w.Code != http.StatusBadRequest {
		t.Errorf("valueless metric: status %d, want 400", w.Code)
	}

	// Tracking without an assignment conflicts.
	body = `{"test_id": "t1", "user_id": "stranger", "type": "exposure"}`
	if w := do(t, srv, http.MethodPost, "/api/track", body); w.Code != http.StatusConflict {
		t.Errorf("no assignment: status %d, want 409", w.Code)
	}

	// Unknown goal is a client error.
	if w := do(t, srv, http.MethodPost, "/api/assign", `{"test_id": "t1", "user_id": "u2"}`); w.Code != http.StatusOK {
		t.Fatalf("assign failed: %d", w.Code)
	}
	body = `{"test_id": "t1", "user_id": "u2", "type": "conversion", "goal_id": "checkout"}`
	if w := do(t, srv, http.MethodPost, "/api/track", body); w.Code != http.StatusBadRequest {
		t.Errorf("unknown goal: status %d, want 400", w.Code)
	}
}

func TestResultsEndpoint(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	w := do(t, srv, http.MethodGet, "/api/tests/t1/results", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var result struct {
		TestID  string `json:"TestID"`
		Verdict string `json:"Verdict"`
	}
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.TestID != "t1" {
		t.Errorf("test id = %s, want t1", result.TestID)
	}
	if result.Verdict != "inconclusive" {
		t.Errorf("verdict = %s, want inconclusive with no data", result.Verdict)
	}
}

func TestResultsEndpoint_DraftConflicts(t *testing.T) {
	srv := newServer()
	if w := do(t, srv, http.MethodPost, "/api/tests", createBody); w.Code != http.StatusCreated {
		t.Fatal("create failed")
	}

	if w := do(t, srv, http.MethodGet, "/api/tests/t1/results", ""); w.Code != http.StatusConflict {
		t.Errorf("draft analysis: status %d, want 409", w.Code)
	}
}

func TestWeightsEndpoint_NonBandit(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	if w := do(t, srv, http.MethodPost, "/api/tests/t1/weights", ""); w.Code != http.StatusBadRequest {
		t.Errorf("non-bandit optimize: status %d, want 400", w.Code)
	}
}

func TestUserExperiments(t *testing.T) {
	srv := newServer()
	createAndStart(t, srv)

	if w := do(t, srv, http.MethodPost, "/api/assign", `{"test_id": "t1", "user_id": "user-1"}`); w.Code != http.StatusOK {
		t.Fatalf("assign failed: %d", w.Code)
	}

	w := do(t, srv, http.MethodGet, "/api/users/user-1/experiments", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var assignments []store.Assignment
	if err := json.NewDecoder(w.Body).Decode(&assignments); err != nil {
		t.Fatal(err)
	}
	if len(assignments) != 1 || assignments[0].TestID != "t1" {
		t.Errorf("unexpected assignments: %+v", assignments)
	}

	// Unknown users get an empty list, not an error.
	w = do(t, srv, http.MethodGet, "/api/users/stranger/experiments", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("body = %s, want []", body)
	}
}

func TestListTests(t *testing.T) {
	srv := newServer()

	w := do(t, srv, http.MethodGet, "/api/tests", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != "[]" {
		t.Errorf("empty list body = %s, want []", body)
	}

	createAndStart(t, srv)
	w = do(t, srv, http.MethodGet, "/api/tests", "")
	var tests []store.Test
	if err := json.NewDecoder(w.Body).Decode(&tests); err != nil {
		t.Fatal(err)
	}
	if len(tests) != 1 {
		t.Errorf("got %d tests, want 1", len(tests))
	}
}
