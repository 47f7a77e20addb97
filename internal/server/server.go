// Package server exposes the HTTP API: webhook triggers, publishing,
// update status and log tailing, and the published course config.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/coursebuilder/internal/course"
	"git.home.luguber.info/inful/coursebuilder/internal/metrics"
	"git.home.luguber.info/inful/coursebuilder/internal/orchestrator"
	"git.home.luguber.info/inful/coursebuilder/internal/update"
)

// Server is the HTTP API server.
type Server struct {
	Addr     string
	router   *chi.Mux
	server   *http.Server
	registry *course.Registry
	store    *update.Store
	orch     *orchestrator.Orchestrator
	promReg  *prom.Registry
}

// NewServer creates the API server and wires its routes.
func NewServer(addr string, registry *course.Registry, store *update.Store, orch *orchestrator.Orchestrator, promReg *prom.Registry) *Server {
	s := &Server{
		Addr:     addr,
		router:   chi.NewRouter(),
		registry: registry,
		store:    store,
		orch:     orch,
		promReg:  promReg,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if s.promReg != nil {
		s.router.Method(http.MethodGet, "/metrics", metrics.HTTPHandler(s.promReg))
	}

	s.router.Route("/courses/{key}", func(r chi.Router) {
		// Published content is public; everything else needs the course
		// webhook secret.
		r.Get("/config.json", s.handleCourseConfig)

		r.Group(func(r chi.Router) {
			r.Use(s.requireCourseSecret)
			r.Post("/hook", s.handleHook)
			r.Post("/publish", s.handlePublish)
			r.Get("/updates", s.handleListUpdates)
			r.Get("/updates/{id}", s.handleGetUpdate)
			r.Get("/updates/{id}/log", s.handleUpdateLog)
		})
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Response is the standard JSON envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: message})
}

func (s *Server) writeSuccess(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeSuccess(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"courses": s.registry.Len(),
	})
}
