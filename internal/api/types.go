package api

import (
	"encoding/json"
	"net/http"

	"github.com/mkeating/fourgate/internal/event"
)

// HealthzResponse is the GET /healthz response. QueueDepth is -1 when the
// transport is not wired into the API.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
}

// RecentEventsResponse is the GET /v1/events/recent response.
type RecentEventsResponse struct {
	Events []event.RawEvent `json:"events"`
	Count  int              `json:"count"`
}

// OpenIncidentsResponse is the GET /v1/incidents/open response.
type OpenIncidentsResponse struct {
	Incidents []event.Incident `json:"incidents"`
	Count     int              `json:"count"`
}

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
