package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/editalwatch/discovery/internal/crawler"
	"github.com/editalwatch/discovery/internal/dispatcher"
	"github.com/editalwatch/discovery/internal/metrics"
	"github.com/editalwatch/discovery/internal/queue/memory"
	"github.com/editalwatch/discovery/internal/telemetry"
)

// Telemetry reads domain counters and the alert view.
type Telemetry interface {
	Counters(ctx context.Context, since time.Time) ([]crawler.DomainCounter, error)
	Alerts(ctx context.Context, since time.Time, th telemetry.Thresholds) ([]telemetry.Alert, error)
}

// Reviews lists and resolves manual review tickets.
type Reviews interface {
	List(ctx context.Context, status crawler.TicketStatus) ([]crawler.ManualReviewTicket, error)
	Resolve(ctx context.Context, id string, status crawler.TicketStatus, notes string) error
}

// Triggers queues runs and reports on them.
type Triggers interface {
	Enqueue(slug string) (crawler.RunTrigger, error)
	Status(id string) (dispatcher.Status, bool)
}

// Sources exposes the catalogue and the latest run of each source.
type Sources interface {
	Source(slug string) (crawler.Source, error)
	States() []crawler.SourceRun
}

// Options wires a Server. Nil collaborators disable their routes' data and
// answer 503.
type Options struct {
	Contests   crawler.ContestStore
	Telemetry  Telemetry
	Reviews    Reviews
	Triggers   Triggers
	Sources    Sources
	Thresholds telemetry.Thresholds
	Lookback   time.Duration
	APIKey     string
	Clock      crawler.Clock
	Logger     *zap.Logger
}

// Server wires HTTP handlers to the discovery components.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	s := &Server{opts: opts, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/alerts", s.listAlerts)
		r.Get("/counters", s.listCounters)
		r.Route("/reviews", func(r chi.Router) {
			r.Get("/", s.listReviews)
			r.Post("/{id}/resolve", s.resolveReview)
		})
		r.Post("/runs", s.triggerRun)
		r.Post("/runs/{slug}", s.triggerRun)
		r.Get("/triggers/{id}", s.getTrigger)
		r.Get("/sources", s.listSources)
		r.Get("/contests", s.listContests)
		r.Get("/contests/events", s.listEvents)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// since resolves the ?since= query parameter, a duration looking back from
// now, defaulting to the configured lookback.
func (s *Server) since(r *http.Request) (time.Time, error) {
	lookback := s.opts.Lookback
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return time.Time{}, errors.New("since must be a positive duration such as 24h")
		}
		lookback = d
	}
	return s.now().Add(-lookback), nil
}

func (s *Server) now() time.Time {
	if s.opts.Clock == nil {
		return time.Now()
	}
	return s.opts.Clock.Now()
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if s.opts.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry unavailable")
		return
	}
	since, err := s.since(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	alerts, err := s.opts.Telemetry.Alerts(r.Context(), since, s.opts.Thresholds)
	if err != nil {
		s.internalError(w, "list alerts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "alerts": nonNil(alerts)})
}

func (s *Server) listCounters(w http.ResponseWriter, r *http.Request) {
	if s.opts.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry unavailable")
		return
	}
	since, err := s.since(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	counters, err := s.opts.Telemetry.Counters(r.Context(), since)
	if err != nil {
		s.internalError(w, "list counters", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"since": since, "counters": nonNil(counters)})
}

func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reviews == nil {
		writeError(w, http.StatusServiceUnavailable, "review queue unavailable")
		return
	}
	status := crawler.TicketStatus(r.URL.Query().Get("status"))
	switch status {
	case "", crawler.TicketOpen, crawler.TicketResolved, crawler.TicketIgnored:
	default:
		writeError(w, http.StatusBadRequest, "status must be open, resolved or ignored")
		return
	}
	tickets, err := s.opts.Reviews.List(r.Context(), status)
	if err != nil {
		s.internalError(w, "list reviews", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tickets": nonNil(tickets)})
}

type resolveRequest struct {
	Status crawler.TicketStatus `json:"status"`
	Notes  string               `json:"notes"`
}

func (s *Server) resolveReview(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reviews == nil {
		writeError(w, http.StatusServiceUnavailable, "review queue unavailable")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Status == "" {
		req.Status = crawler.TicketResolved
	}
	id := chi.URLParam(r, "id")
	err := s.opts.Reviews.Resolve(r.Context(), id, req.Status, strings.TrimSpace(req.Notes))
	switch {
	case errors.Is(err, telemetry.ErrInvalidResolution):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrTicketNotFound):
		writeError(w, http.StatusNotFound, "ticket not found")
	case err != nil:
		s.internalError(w, "resolve review", err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(req.Status)})
	}
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	if s.opts.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are not accepted by this process")
		return
	}
	slug := chi.URLParam(r, "slug")
	if slug != "" && s.opts.Sources != nil {
		if _, err := s.opts.Sources.Source(slug); err != nil {
			writeError(w, http.StatusNotFound, "source not found")
			return
		}
	}
	trigger, err := s.opts.Triggers.Enqueue(slug)
	switch {
	case errors.Is(err, memory.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, "a run for this source is already queued")
	case errors.Is(err, memory.ErrFull), errors.Is(err, crawler.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "run queue unavailable")
	case err != nil:
		s.internalError(w, "enqueue run", err)
	default:
		writeJSON(w, http.StatusAccepted, trigger)
	}
}

func (s *Server) getTrigger(w http.ResponseWriter, r *http.Request) {
	if s.opts.Triggers == nil {
		writeError(w, http.StatusServiceUnavailable, "runs are not accepted by this process")
		return
	}
	st, ok := s.opts.Triggers.Status(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Sources == nil {
		writeError(w, http.StatusServiceUnavailable, "sources unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.opts.Sources.States()})
}

func (s *Server) listContests(w http.ResponseWriter, r *http.Request) {
	if s.opts.Contests == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	contests, err := s.opts.Contests.ListContests(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		s.internalError(w, "list contests", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contests": nonNil(contests)})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Contests == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	events, err := s.opts.Contests.ListUpdateEvents(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		s.internalError(w, "list update events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
