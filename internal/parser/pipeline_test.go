package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeating/fourgate/internal/event"
)

func pipelineRaw(payload string) event.RawEvent {
	return event.RawEvent{
		Source:      event.SourcePipeline,
		EventType:   "pipeline_run",
		ID:          "run-42",
		Metadata:    []byte(payload),
		TimeCreated: receiptTime,
		MsgID:       "m1",
	}
}

func TestPipelineSuccessfulDeployRun(t *testing.T) {
	b, err := Pipeline{}.Parse(pipelineRaw(`{
		"run": {"id": 42, "status": "success", "finished_at": "2025-03-01T10:05:00Z"},
		"stage": "deploy",
		"commits": ["abc123", "def456"]
	}`))
	require.NoError(t, err)

	// One deployment plus the changes it shipped.
	require.Len(t, b.Deployments, 1)
	require.Len(t, b.Changes, 2)

	dep := b.Deployments[0]
	assert.Equal(t, event.DeployID(event.SourcePipeline, "42"), dep.DeployID)
	assert.Equal(t, []string{event.ChangeID("abc123"), event.ChangeID("def456")}, dep.Changes)

	// The CI's view of a commit derives the same change id as the VCS's.
	assert.Equal(t, event.ChangeID("abc123"), b.Changes[0].ChangeID)
}

func TestPipelineFailedRunYieldsNothing(t *testing.T) {
	b, err := Pipeline{}.Parse(pipelineRaw(`{
		"run": {"id": 42, "status": "failed"}, "stage": "deploy", "commits": ["abc123"]
	}`))
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestPipelineNonDeployStageYieldsNothing(t *testing.T) {
	b, err := Pipeline{}.Parse(pipelineRaw(`{
		"run": {"id": 42, "status": "success"}, "stage": "test", "commits": ["abc123"]
	}`))
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestPipelineContradictoryVerdictIsAmbiguous(t *testing.T) {
	_, err := Pipeline{}.Parse(pipelineRaw(`{
		"run": {"id": 42, "status": "success", "conclusion": "failure"}, "stage": "deploy"
	}`))
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestPipelineMissingRunID(t *testing.T) {
	_, err := Pipeline{}.Parse(pipelineRaw(`{"run": {"status": "success"}, "stage": "deploy"}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestPipelineUnknownEventType(t *testing.T) {
	raw := pipelineRaw(`{}`)
	raw.EventType = "cache_hit"
	b, err := Pipeline{}.Parse(raw)
	require.NoError(t, err)
	assert.True(t, b.Empty())
}
