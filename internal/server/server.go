package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/expsplit/expsplit/internal/engine"
)

// Server exposes the engine over a thin JSON API. All experiment semantics
// live in the engine; handlers only translate requests and error codes.
type Server struct {
	engine    *engine.Engine
	port      int
	router    *http.ServeMux
	startTime time.Time
}

func New(eng *engine.Engine, port int) *Server {
	srv := &Server{
		engine:    eng,
		port:      port,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}
	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("GET /health", s.handleHealth)

	s.router.HandleFunc("POST /api/tests", s.handleCreateTest)
	s.router.HandleFunc("GET /api/tests", s.handleListTests)
	s.router.HandleFunc("GET /api/tests/{id}", s.handleGetTest)
	s.router.HandleFunc("POST /api/tests/{id}/start", s.handleStartTest)
	s.router.HandleFunc("POST /api/tests/{id}/conclude", s.handleConcludeTest)
	s.router.HandleFunc("GET /api/tests/{id}/results", s.handleResults)
	s.router.HandleFunc("POST /api/tests/{id}/weights", s.handleUpdateWeights)

	s.router.HandleFunc("POST /api/assign", s.handleAssign)
	s.router.HandleFunc("POST /api/track", s.handleTrack)

	s.router.HandleFunc("GET /api/users/{id}/experiments", s.handleUserExperiments)
}

// withCORS sets CORS headers on every response and answers preflight
// requests, so browser SDKs can assign and track cross-origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	fmt.Printf("expsplit running on http://localhost:%d\n", s.port)
	return http.ListenAndServe(addr, s.Handler())
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return withCORS(s.router) }

func (s *Server) StartTime() time.Time { return s.startTime }
