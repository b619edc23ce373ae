// Package api is the read-only ops surface: health, Prometheus metrics, and
// bearer-token-protected views over the warehouse. It never writes; dashboards
// and BI tools query the warehouse directly, this API exists for operators.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkeating/fourgate/internal/event"
)

// Reader is the warehouse view the API serves. Both warehouse backends
// implement it.
type Reader interface {
	RecentRaw(ctx context.Context, limit int) ([]event.RawEvent, error)
	OpenIncidents(ctx context.Context) ([]event.Incident, error)
}

// DepthReader reports how many messages the transport still holds.
type DepthReader interface {
	Depth(ctx context.Context) (int, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// Token is the bearer token protecting the warehouse views. Empty
	// disables the protected routes entirely.
	Token string
}

// Server is the ops API HTTP server.
type Server struct {
	config    Config
	reader    Reader
	depth     DepthReader
	metrics   http.Handler
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. metricsHandler may be nil, in which case the
// /metrics route is not registered.
func New(config Config, reader Reader, depth DepthReader, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		reader:    reader,
		depth:     depth,
		metrics:   metricsHandler,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("api server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("api server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// Protected warehouse views.
	if s.config.Token != "" {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Get("/v1/events/recent", s.handleRecentEvents)
			r.Get("/v1/incidents/open", s.handleOpenIncidents)
		})
	}

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth := -1
	if s.depth != nil {
		d, err := s.depth.Depth(r.Context())
		if err != nil {
			s.logger.Error("failed to compute queue depth", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
			return
		}
		depth = d
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	})
}

// handleRecentEvents handles GET /v1/events/recent?limit=N.
func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	events, err := s.reader.RecentRaw(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to query recent events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query recent events")
		return
	}
	if events == nil {
		events = []event.RawEvent{}
	}
	s.writeJSON(w, http.StatusOK, RecentEventsResponse{Events: events, Count: len(events)})
}

// handleOpenIncidents handles GET /v1/incidents/open.
func (s *Server) handleOpenIncidents(w http.ResponseWriter, r *http.Request) {
	incidents, err := s.reader.OpenIncidents(r.Context())
	if err != nil {
		s.logger.Error("failed to query open incidents", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to query open incidents")
		return
	}
	if incidents == nil {
		incidents = []event.Incident{}
	}
	s.writeJSON(w, http.StatusOK, OpenIncidentsResponse{Incidents: incidents, Count: len(incidents)})
}
