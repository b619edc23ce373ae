package parser

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mkeating/fourgate/internal/event"
)

// IncidentTool parses incident-management webhooks (PagerDuty style).
// "incident.triggered" opens an incident, "incident.resolved" closes it.
// Order of arrival is not assumed: the warehouse merges by incident id, so a
// resolve landing before its open is absorbed.
type IncidentTool struct{}

type incidentEvent struct {
	Incident struct {
		ID         string     `json:"id"`
		Status     string     `json:"status"`
		CreatedAt  *time.Time `json:"created_at"`
		ResolvedAt *time.Time `json:"resolved_at"`
		Changes    []string   `json:"changes"`
	} `json:"incident"`
}

func (IncidentTool) Parse(raw event.RawEvent) (event.Batch, error) {
	action, ok := strings.CutPrefix(raw.EventType, "incident.")
	if !ok {
		return event.Batch{}, nil
	}

	var p incidentEvent
	if err := json.Unmarshal(raw.Metadata, &p); err != nil {
		return event.Batch{}, fmt.Errorf("%w: incident: %v", ErrMalformedPayload, err)
	}
	if p.Incident.ID == "" {
		return event.Batch{}, fmt.Errorf("%w: incident without id", ErrMalformedPayload)
	}

	// The event name and the payload's own status field can disagree when a
	// tool replays stale snapshots; refuse to guess which is authoritative.
	if action == "resolved" && p.Incident.Status == "triggered" {
		return event.Batch{}, fmt.Errorf("%w: incident %s event says resolved, payload says triggered",
			ErrAmbiguous, p.Incident.ID)
	}

	created := raw.TimeCreated
	if p.Incident.CreatedAt != nil {
		created = *p.Incident.CreatedAt
	}

	changeIDs := make([]string, 0, len(p.Incident.Changes))
	for _, sha := range p.Incident.Changes {
		if sha != "" {
			changeIDs = append(changeIDs, event.ChangeID(sha))
		}
	}

	inc := event.Incident{
		IncidentID:  event.IncidentID(raw.Source, p.Incident.ID),
		Changes:     changeIDs,
		TimeCreated: created,
	}

	switch action {
	case "triggered", "opened":
		// Open incident: time_resolved stays nil.
	case "resolved":
		ts := raw.TimeCreated
		if p.Incident.ResolvedAt != nil {
			ts = *p.Incident.ResolvedAt
		}
		inc.TimeResolved = &ts
	default:
		// acknowledged, escalated, annotated: no canonical effect.
		return event.Batch{}, nil
	}

	return event.Batch{Incidents: []event.Incident{inc}}, nil
}
