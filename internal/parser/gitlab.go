package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mkeating/fourgate/internal/event"
)

// GitLab parses GitLab-style webhooks. Supported event types: "Push Hook"
// and "Merge Request Hook" (state merged).
type GitLab struct{}

type glPush struct {
	Commits []struct {
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
	} `json:"commits"`
}

type glMergeRequest struct {
	ObjectAttributes struct {
		State          string     `json:"state"`
		MergeCommitSHA string     `json:"merge_commit_sha"`
		IID            int        `json:"iid"`
		UpdatedAt      *time.Time `json:"updated_at"`
	} `json:"object_attributes"`
}

func (GitLab) Parse(raw event.RawEvent) (event.Batch, error) {
	switch raw.EventType {
	case "Push Hook":
		var p glPush
		if err := json.Unmarshal(raw.Metadata, &p); err != nil {
			return event.Batch{}, fmt.Errorf("%w: gitlab push: %v", ErrMalformedPayload, err)
		}
		var b event.Batch
		for _, c := range p.Commits {
			if c.ID == "" {
				return event.Batch{}, fmt.Errorf("%w: gitlab push commit without id", ErrMalformedPayload)
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

	case "Merge Request Hook":
		var p glMergeRequest
		if err := json.Unmarshal(raw.Metadata, &p); err != nil {
			return event.Batch{}, fmt.Errorf("%w: gitlab merge request: %v", ErrMalformedPayload, err)
		}
		if p.ObjectAttributes.State != "merged" {
			return event.Batch{}, nil
		}
		native := p.ObjectAttributes.MergeCommitSHA
		if native == "" {
			if p.ObjectAttributes.IID == 0 {
				return event.Batch{}, fmt.Errorf("%w: merged MR without sha or iid", ErrMalformedPayload)
			}
			native = fmt.Sprintf("mr-%d", p.ObjectAttributes.IID)
		}
		ts := raw.TimeCreated
		if p.ObjectAttributes.UpdatedAt != nil {
			ts = *p.ObjectAttributes.UpdatedAt
		}
		return event.Batch{Changes: []event.Change{{
			ChangeID:    event.ChangeID(native),
			TimeCreated: ts,
			ChangeType:  "merge_request",
		}}}, nil

	default:
		return event.Batch{}, nil
	}
}
