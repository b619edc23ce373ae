// Package event defines the raw event envelope and the canonical rows
// (changes, deployments, incidents) derived from it.
package event

import (
	"encoding/json"
	"time"
)

// Source identifies an external system producing delivery events.
type Source string

const (
	SourceGitHub   Source = "github"
	SourceGitLab   Source = "gitlab"
	SourcePipeline Source = "pipeline"
	SourceDeploy   Source = "deploy"
	SourceIncident Source = "incident"
)

// RawEvent is the normalized envelope wrapped around a webhook payload at the
// intake gate. It is created once, immutable thereafter, and persisted
// permanently as the audit trail.
//
// (Source, ID) identifies a logical event. MsgID is assigned by the transport
// on publish and differs across redeliveries of the same message; writers
// dedup on MsgID, not ID.
type RawEvent struct {
	Source      Source          `json:"source"`
	EventType   string          `json:"event_type"`
	ID          string          `json:"id"`
	Metadata    json.RawMessage `json:"metadata"`
	TimeCreated time.Time       `json:"time_created"`
	Signature   string          `json:"signature"`
	MsgID       string          `json:"msg_id,omitempty"`
}

// Change is a canonical unit of work shipped toward production (a commit or a
// merged pull/merge request).
type Change struct {
	ChangeID    string    `json:"change_id"`
	TimeCreated time.Time `json:"time_created"`
	ChangeType  string    `json:"change_type"`
}

// Deployment is a canonical release event carrying the changes it shipped.
type Deployment struct {
	DeployID    string    `json:"deploy_id"`
	Changes     []string  `json:"changes"`
	TimeCreated time.Time `json:"time_created"`
}

// Incident is a canonical production incident. TimeResolved is nil while the
// incident is open and transitions to a concrete value exactly once.
type Incident struct {
	IncidentID   string     `json:"incident_id"`
	Changes      []string   `json:"changes"`
	TimeCreated  time.Time  `json:"time_created"`
	TimeResolved *time.Time `json:"time_resolved,omitempty"`
}

// Batch is the set of canonical rows a parser derived from a single raw event.
// A single delivery may yield zero, one, or several rows across tables.
type Batch struct {
	Changes     []Change
	Deployments []Deployment
	Incidents   []Incident
}

// Empty reports whether the batch carries no canonical rows.
func (b Batch) Empty() bool {
	return len(b.Changes) == 0 && len(b.Deployments) == 0 && len(b.Incidents) == 0
}

// Len returns the total number of canonical rows in the batch.
func (b Batch) Len() int {
	return len(b.Changes) + len(b.Deployments) + len(b.Incidents)
}
