package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeSquared-Agency/closer/internal/bandit"
	"github.com/MikeSquared-Agency/closer/internal/conversation"
	"github.com/MikeSquared-Agency/closer/internal/fusion"
	"github.com/MikeSquared-Agency/closer/internal/outcome"
	"github.com/MikeSquared-Agency/closer/internal/pattern"
)

// Decider is the ordered decide path, normally the processor.
type Decider interface {
	Decide(ctx context.Context, c *conversation.Context) (*fusion.Recommendation, error)
}

// Recorder is the ordered outcome path, normally the processor.
type Recorder interface {
	Record(ctx context.Context, o conversation.Outcome) (outcome.Ack, error)
}

// Arms exposes bandit state for inspection.
type Arms interface {
	Experiments() []string
	Arms(experimentID string) ([]bandit.Arm, error)
}

// Deps are the collaborators the HTTP surface serves. Checks are named
// liveness probes reported on the status endpoint.
type Deps struct {
	Decider    Decider
	Recorder   Recorder
	Arms       Arms
	Patterns   *pattern.Registry
	Predictors []string
	Gatherer   prometheus.Gatherer
	Checks     map[string]func(ctx context.Context) error
	APIToken   string
}

type Server struct {
	router *chi.Mux
	port   int
	deps   Deps
	logger *slog.Logger
}

func NewServer(port int, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
		logger: logger,
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/closer/status", s.status)
	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(deps.APIToken))
		r.Post("/decide", s.decide)
		r.Post("/outcomes", s.recordOutcome)
		r.Get("/experiments", s.listExperiments)
		r.Get("/experiments/{id}/arms", s.listArms)
		r.Get("/patterns", s.listPatterns)
		r.Post("/patterns", s.addPattern)
	})

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.deps.Checks))
	state := "active"
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			state = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"agent":      "closer",
		"status":     state,
		"predictors": s.deps.Predictors,
		"checks":     checks,
	}
	if s.deps.Arms != nil {
		body["experiments"] = s.deps.Arms.Experiments()
	}
	if s.deps.Patterns != nil {
		body["patterns"] = len(s.deps.Patterns.Definitions())
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, outcome.ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, fusion.ErrNoDefaultStrategy):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bandit.ErrUnknownExperiment):
		return http.StatusNotFound
	case errors.Is(err, pattern.ErrDuplicatePattern):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
