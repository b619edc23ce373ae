package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkeating/fourgate/internal/event"
)

// GitHub parses GitHub-style webhooks. Supported event types: "push" (each
// commit is a change) and "pull_request" (a merged PR is a change).
type GitHub struct{}

type ghPush struct {
	Commits []struct {
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"commits"`
}

type ghPullRequest struct {
	Action      string `json:"action"`
	PullRequest struct {
		Merged         bool       `json:"merged"`
		MergedAt       *time.Time `json:"merged_at"`
		MergeCommitSHA string     `json:"merge_commit_sha"`
		Number         int        `json:"number"`
	} `json:"pull_request"`
}

func (GitHub) Parse(raw event.RawEvent) (event.Batch, error) {
	switch raw.EventType {
	case "push":
		var p ghPush
		if err := json.Unmarshal(raw.Metadata, &p); err != nil {
			return event.Batch{}, fmt.Errorf("%w: github push: %v", ErrMalformedPayload, err)
		}
		var b event.Batch
		for _, c := range p.Commits {
			if c.ID == "" {
				return event.Batch{}, fmt.Errorf("%w: github push commit without id", ErrMalformedPayload)
			}
			ts := c.Timestamp
			if ts.IsZero() {
				ts = raw.TimeCreated
			}
			b.Changes = append(b.Changes, event.Change{
				ChangeID:    event.ChangeID(c.ID),
				TimeCreated: ts,
				ChangeType:  "commit",
			})
		}
		return b, nil

	case "pull_request":
		var p ghPullRequest
		if err := json.Unmarshal(raw.Metadata, &p); err != nil {
			return event.Batch{}, fmt.Errorf("%w: github pull_request: %v", ErrMalformedPayload, err)
		}
		// Only the merge counts as a change; opened/synchronized PRs have
		// not shipped anything yet.
		if p.Action != "closed" || !p.PullRequest.Merged {
			return event.Batch{}, nil
		}
		native := p.PullRequest.MergeCommitSHA
		if native == "" {
			if p.PullRequest.Number == 0 {
				return event.Batch{}, fmt.Errorf("%w: merged pull_request without sha or number", ErrMalformedPayload)
			}
			native = fmt.Sprintf("pr-%d", p.PullRequest.Number)
		}
		ts := raw.TimeCreated
		if p.PullRequest.MergedAt != nil {
			ts = *p.PullRequest.MergedAt
		}
		return event.Batch{Changes: []event.Change{{
			ChangeID:    event.ChangeID(native),
			TimeCreated: ts,
			ChangeType:  "pull_request",
		}}}, nil

	default:
		// Unknown event types are dropped upstream with an ack; returning an
		// empty batch keeps poison messages from blocking the topic.
		return event.Batch{}, nil
	}
}
