// Package httpapi is the thin JSON/SVG contract adapter standing in
// for the out-of-scope HTTP/RPC front-end (§1, §6). It exercises
// every method on internal/engine's external interface but performs
// no authentication or templating, matching the core's Non-goals.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"kiln/internal/engine"
)

// Server wraps the engine behind chi routes.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	engine    *engine.Engine
	startTime time.Time
}

// New builds a Server with all routes registered.
func New(e *engine.Engine, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "httpapi"),
		engine:    e,
		startTime: time.Now(),
	}
	s.routes()
	return s
}

// Handler returns the http.Handler serving the contract.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatusHome)
		r.Get("/status/jobs", s.handleStatusAll)
		r.Route("/jobs/{name}", func(r chi.Router) {
			r.Post("/queue", s.handleQueueJob)
			r.Get("/", s.handleStatusJob)
			r.Route("/{number}", func(r chi.Router) {
				r.Get("/", s.handleStatusRun)
				r.Post("/abort", s.handleAbort)
				r.Post("/param", s.handleSetParam)
				r.Get("/log", s.handleLog)
			})
		})
	})

	r.Get("/badge/{name}.svg", s.handleBadge)
	r.Get("/archive/*", s.handleArtifact)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, healthResponse{Status: "healthy", Uptime: time.Since(s.startTime).Round(time.Second).String()})
}
