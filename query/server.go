// Package query exposes a read-only HTTP API over saga state: per-saga
// lookup, filtered listing, journal inspection, and an aggregated health
// endpoint for the engine's components.
package query

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rbaliyan/event/v3/health"

	"github.com/sagakit/choreo/saga"
)

// Server serves the query API. It reads through the engine's own store and
// journal, so responses always reflect authoritative in-memory state rather
// than the eventually consistent persistence layer.
type Server struct {
	store    *saga.StateStore
	journal  *saga.Journal
	checkers map[string]health.Checker
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithChecker registers a named component on the /healthz endpoint.
func WithChecker(name string, checker health.Checker) Option {
	return func(s *Server) {
		if checker != nil {
			s.checkers[name] = checker
		}
	}
}

// NewServer creates a query server over the given store and journal.
func NewServer(store *saga.StateStore, journal *saga.Journal, opts ...Option) *Server {
	s := &Server{
		store:    store,
		journal:  journal,
		checkers: make(map[string]health.Checker),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/sagas", s.listSagas)
	r.Get("/sagas/{sagaID}", s.getSaga)
	r.Get("/sagas/{sagaID}/events", s.getSagaEvents)
	r.Get("/healthz", s.healthz)
	return r
}

// sagaResponse is the JSON shape of one saga instance.
type sagaResponse struct {
	SagaID           string     `json:"saga_id"`
	SagaType         string     `json:"saga_type"`
	CorrelationID    string     `json:"correlation_id,omitempty"`
	State            saga.State `json:"state"`
	CompletedSteps   []string   `json:"completed_steps"`
	CompensatedSteps []string   `json:"compensated_steps,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	Version          int64      `json:"version"`
	StartedAt        time.Time  `json:"started_at"`
	LastUpdatedAt    time.Time  `json:"last_updated_at"`
	DeadlineAt       time.Time  `json:"deadline_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func toSagaResponse(in *saga.Instance) sagaResponse {
	return sagaResponse{
		SagaID:           in.SagaID,
		SagaType:         in.SagaType,
		CorrelationID:    in.CorrelationID,
		State:            in.State,
		CompletedSteps:   in.CompletedSteps,
		CompensatedSteps: in.CompensatedSteps,
		FailureReason:    in.FailureReason,
		Version:          in.Version,
		StartedAt:        in.StartedAt,
		LastUpdatedAt:    in.LastUpdatedAt,
		DeadlineAt:       in.DeadlineAt,
		CompletedAt:      in.CompletedAt,
	}
}

func (s *Server) getSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	in, err := s.store.Get(r.Context(), sagaID)
	if err != nil {
		if saga.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "saga not found")
			return
		}
		s.logger.Error("saga lookup failed", "saga_id", sagaID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, toSagaResponse(in))
}

func (s *Server) listSagas(w http.ResponseWriter, r *http.Request) {
	filter := saga.Filter{
		SagaType: r.URL.Query().Get("sagaType"),
	}

	if stateParam := r.URL.Query().Get("state"); stateParam != "" {
		st := saga.State(stateParam)
		if !validState(st) {
			s.writeError(w, http.StatusBadRequest, "unknown state: "+stateParam)
			return
		}
		filter.States = []saga.State{st}
	}

	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}

	instances, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("saga list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := struct {
		Sagas []sagaResponse `json:"sagas"`
		Count int            `json:"count"`
	}{
		Sagas: make([]sagaResponse, 0, len(instances)),
		Count: len(instances),
	}
	for _, in := range instances {
		resp.Sagas = append(resp.Sagas, toSagaResponse(in))
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getSagaEvents(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	if _, err := s.store.Get(r.Context(), sagaID); err != nil {
		if saga.IsNotFound(err) {
			s.writeError(w, http.StatusNotFound, "saga not found")
			return
		}
		s.logger.Error("saga lookup failed", "saga_id", sagaID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	events := s.journal.Events(r.Context(), sagaID)

	resp := struct {
		SagaID string        `json:"saga_id"`
		Events []*saga.Event `json:"events"`
		Count  int           `json:"count"`
	}{
		SagaID: sagaID,
		Events: events,
		Count:  len(events),
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// healthz aggregates all registered checkers. The endpoint returns 200 while
// every component is healthy or degraded, and 503 once any component is
// unhealthy.
func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	overall := health.StatusHealthy
	components := make(map[string]*health.Result, len(s.checkers))

	for name, checker := range s.checkers {
		res := checker.Health(r.Context())
		components[name] = res
		switch res.Status {
		case health.StatusUnhealthy:
			overall = health.StatusUnhealthy
		case health.StatusDegraded:
			if overall == health.StatusHealthy {
				overall = health.StatusDegraded
			}
		}
	}

	code := http.StatusOK
	if overall == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": components,
		"checked_at": time.Now(),
	})
}

func validState(st saga.State) bool {
	switch st {
	case saga.StateStarted, saga.StateStepCompleted, saga.StateCompensating,
		saga.StateCompleted, saga.StateCompensated, saga.StateFailedCompensation,
		saga.StateTimedOut:
		return true
	}
	return false
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
