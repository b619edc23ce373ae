// Package intake implements the webhook intake gate: it authenticates
// deliveries against the source registry, wraps them in a raw event envelope,
// and publishes to the bus. No payload interpretation happens here; keeping
// the ingress path source-shape-agnostic is what lets a new source be added
// by configuration alone.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkeating/fourgate/internal/event"
	"github.com/mkeating/fourgate/internal/metrics"
	"github.com/mkeating/fourgate/internal/registry"
	"github.com/mkeating/fourgate/internal/verify"
)

// Server is the webhook intake HTTP server. Stateless per request: the only
// cross-request state is the read-only registry.
type Server struct {
	config    Config
	registry  *registry.Registry
	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics
	server    *http.Server
}

// New creates an intake server.
func New(config Config, reg *registry.Registry, pub Publisher, logger *slog.Logger, m *metrics.Metrics) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	return &Server{
		config:    config,
		registry:  reg,
		publisher: pub,
		logger:    logger,
		metrics:   m,
	}
}

// Start starts the intake HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  s.config.RequestTimeout,
		WriteTimeout: s.config.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("intake server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("intake server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("intake server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("intake server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	r.Post("/webhook/{source}", s.handleWebhook)

	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook runs the gate: resolve source, verify signature over the raw
// body, extract the event-type discriminator and native id, envelope, publish.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sourceName := chi.URLParam(r, "source")
	s.metrics.IncReceived(sourceName)

	src, err := s.registry.Resolve(sourceName)
	if err != nil {
		s.metrics.IncRejected(sourceName, "unknown_source")
		s.respondError(w, http.StatusNotFound, "unknown source")
		return
	}

	// Capture the raw body before any decoding: verification must run over
	// the exact bytes the sender signed.
	limitedReader := io.LimitReader(r.Body, src.MaxBodySize+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > src.MaxBodySize {
		s.metrics.IncRejected(sourceName, "oversize")
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verify.Verify(src, body, r.Header); err != nil {
		// Verification failure is final: log, reject, never publish.
		s.logger.Warn("webhook verification failed",
			"source", sourceName,
			"header", src.SignatureHeader,
		)
		s.metrics.IncRejected(sourceName, "verification")
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	raw := event.RawEvent{
		Source:      src.Kind,
		EventType:   s.extractEventType(src, r, body),
		ID:          extractNativeID(body),
		Metadata:    json.RawMessage(body),
		TimeCreated: time.Now().UTC(),
		Signature:   r.Header.Get(src.SignatureHeader),
	}

	envelope, err := json.Marshal(raw)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to build envelope")
		return
	}

	msgID, err := s.publisher.Publish(ctx, src.Topic, envelope)
	if err != nil {
		// 5xx means the sender's delivery mechanism retries; we lean on
		// caller-side retry instead of buffering in the gate.
		s.logger.Error("failed to publish envelope",
			"source", sourceName,
			"topic", src.Topic,
			"error", err,
		)
		s.metrics.IncRejected(sourceName, "publish_failed")
		s.respondError(w, http.StatusInternalServerError, "failed to queue event")
		return
	}

	s.metrics.IncPublished(sourceName)
	s.logger.Info("envelope published",
		"source", sourceName,
		"topic", src.Topic,
		"event_type", raw.EventType,
		"msg_id", msgID,
	)

	s.respondJSON(w, http.StatusAccepted, AcceptedResponse{MsgID: msgID})
}

// extractEventType reads the source's event-type discriminator: a header when
// configured, else a top-level payload field.
func (s *Server) extractEventType(src *registry.Source, r *http.Request, body []byte) string {
	if src.EventTypeHeader != "" {
		if v := r.Header.Get(src.EventTypeHeader); v != "" {
			return v
		}
	}
	field := src.EventTypeField
	if field == "" {
		field = "event_type"
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return "unknown"
	}
	var v string
	if rawField, ok := probe[field]; ok {
		if err := json.Unmarshal(rawField, &v); err == nil && v != "" {
			return v
		}
	}
	// GitLab names its discriminator object_kind.
	if rawField, ok := probe["object_kind"]; ok {
		if err := json.Unmarshal(rawField, &v); err == nil && v != "" {
			return v
		}
	}
	return "unknown"
}

// extractNativeID probes well-known id locations without interpreting the
// payload. A body digest is the fallback: byte-identical resends then share
// an id, which is the honest answer for sources that carry none.
func extractNativeID(body []byte) string {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return event.DigestBody(body)
	}

	if id, ok := stringField(probe, "id"); ok {
		return id
	}
	for _, nested := range []string{"incident", "deployment", "run", "pull_request", "head_commit", "object_attributes"} {
		sub, ok := probe[nested]
		if !ok {
			continue
		}
		var subMap map[string]json.RawMessage
		if err := json.Unmarshal(sub, &subMap); err != nil {
			continue
		}
		if id, ok := stringField(subMap, "id"); ok {
			return id
		}
	}
	if id, ok := stringField(probe, "checkout_sha"); ok {
		return id
	}
	return event.DigestBody(body)
}

// stringField extracts a string or number field as a string.
func stringField(m map[string]json.RawMessage, key string) (string, bool) {
	rawField, ok := m[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(rawField, &s); err == nil && s != "" {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(rawField, &n); err == nil && n.String() != "" {
		return n.String(), true
	}
	return "", false
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
