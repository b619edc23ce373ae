package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkeating/fourgate/internal/event"
)

// Pipeline parses CI pipeline webhooks. A completed successful run of a
// deploy stage is a deployment; the commits it shipped are emitted as changes
// too, so a repo wired only through its CI still joins deployments to
// changes. Failed or in-flight runs yield nothing.
type Pipeline struct{}

type ciRun struct {
	Run struct {
		ID         json.Number `json:"id"`
		Status     string      `json:"status"`
		Conclusion string      `json:"conclusion"`
		FinishedAt *time.Time  `json:"finished_at"`
	} `json:"run"`
	Stage   string   `json:"stage"`
	Commits []string `json:"commits"`
}

func (Pipeline) Parse(raw event.RawEvent) (event.Batch, error) {
	if raw.EventType != "pipeline_run" {
		return event.Batch{}, nil
	}

	var p ciRun
	if err := json.Unmarshal(raw.Metadata, &p); err != nil {
		return event.Batch{}, fmt.Errorf("%w: pipeline run: %v", ErrMalformedPayload, err)
	}
	runID := p.Run.ID.String()
	if runID == "" {
		return event.Batch{}, fmt.Errorf("%w: pipeline run without id", ErrMalformedPayload)
	}

	// Some CI systems report both a status and a conclusion; when they
	// disagree we refuse to guess which one is authoritative.
	if p.Run.Status == "success" && p.Run.Conclusion == "failure" {
		return event.Batch{}, fmt.Errorf("%w: run %s reports status=success conclusion=failure",
			ErrAmbiguous, runID)
	}

	succeeded := p.Run.Status == "success" || p.Run.Conclusion == "success"
	if !succeeded || p.Stage != "deploy" {
		return event.Batch{}, nil
	}

	ts := raw.TimeCreated
	if p.Run.FinishedAt != nil {
		ts = *p.Run.FinishedAt
	}

	var b event.Batch
	changeIDs := make([]string, 0, len(p.Commits))
	for _, sha := range p.Commits {
		if sha == "" {
			continue
		}
		id := event.ChangeID(sha)
		changeIDs = append(changeIDs, id)
		b.Changes = append(b.Changes, event.Change{
			ChangeID:    id,
			TimeCreated: ts,
			ChangeType:  "commit",
		})
	}
	b.Deployments = []event.Deployment{{
		DeployID:    event.DeployID(raw.Source, runID),
		Changes:     changeIDs,
		TimeCreated: ts,
	}}
	return b, nil
}
