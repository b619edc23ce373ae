package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeating/fourgate/internal/event"
)

func deployRaw(payload string) event.RawEvent {
	return event.RawEvent{
		Source:      event.SourceDeploy,
		EventType:   "deployment",
		ID:          "dep-9",
		Metadata:    []byte(payload),
		TimeCreated: receiptTime,
		MsgID:       "m1",
	}
}

func TestDeploySucceeded(t *testing.T) {
	b, err := DeployTool{}.Parse(deployRaw(`{
		"deployment": {
			"id": "dep-9",
			"environment": "production",
			"state": "succeeded",
			"finished_at": "2025-03-01T10:06:00Z",
			"changes": ["abc123"]
		}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Deployments, 1)
	assert.Equal(t, event.DeployID(event.SourceDeploy, "dep-9"), b.Deployments[0].DeployID)
	assert.Equal(t, []string{event.ChangeID("abc123")}, b.Deployments[0].Changes)
	assert.Empty(t, b.Changes)
}

func TestDeployNumericID(t *testing.T) {
	b, err := DeployTool{}.Parse(deployRaw(`{"deployment": {"id": 9, "state": "success"}}`))
	require.NoError(t, err)
	require.Len(t, b.Deployments, 1)
	assert.Equal(t, event.DeployID(event.SourceDeploy, "9"), b.Deployments[0].DeployID)
}

func TestDeployFailedStateYieldsNothing(t *testing.T) {
	b, err := DeployTool{}.Parse(deployRaw(`{"deployment": {"id": "dep-9", "state": "failed"}}`))
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestDeployMissingID(t *testing.T) {
	_, err := DeployTool{}.Parse(deployRaw(`{"deployment": {"state": "succeeded"}}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
