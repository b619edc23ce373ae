package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkeating/fourgate/internal/event"
)

// DeployTool parses dedicated deployment-tool webhooks (Argo/Octopus style):
// a succeeded deployment event becomes a deployment row referencing the
// change shas it rolled out.
type DeployTool struct{}

type deployEvent struct {
	Deployment struct {
		ID          json.Number `json:"id"`
		Environment string      `json:"environment"`
		State       string      `json:"state"`
		FinishedAt  *time.Time  `json:"finished_at"`
		Changes     []string    `json:"changes"`
	} `json:"deployment"`
}

func (DeployTool) Parse(raw event.RawEvent) (event.Batch, error) {
	if raw.EventType != "deployment" {
		return event.Batch{}, nil
	}

	var p deployEvent
	if err := json.Unmarshal(raw.Metadata, &p); err != nil {
		return event.Batch{}, fmt.Errorf("%w: deployment: %v", ErrMalformedPayload, err)
	}
	id := p.Deployment.ID.String()
	if id == "" {
		return event.Batch{}, fmt.Errorf("%w: deployment without id", ErrMalformedPayload)
	}

	switch p.Deployment.State {
	case "succeeded", "success":
	default:
		// pending/failed/cancelled rollouts are not deployments.
		return event.Batch{}, nil
	}

	ts := raw.TimeCreated
	if p.Deployment.FinishedAt != nil {
		ts = *p.Deployment.FinishedAt
	}

	changeIDs := make([]string, 0, len(p.Deployment.Changes))
	for _, sha := range p.Deployment.Changes {
		if sha != "" {
			changeIDs = append(changeIDs, event.ChangeID(sha))
		}
	}
	return event.Batch{Deployments: []event.Deployment{{
		DeployID:    event.DeployID(raw.Source, id),
		Changes:     changeIDs,
		TimeCreated: ts,
	}}}, nil
}
