package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeating/fourgate/internal/event"
)

func gitlabRaw(eventType string, payload string) event.RawEvent {
	return event.RawEvent{
		Source:      event.SourceGitLab,
		EventType:   eventType,
		ID:          "delivery-1",
		Metadata:    []byte(payload),
		TimeCreated: receiptTime,
		MsgID:       "m1",
	}
}

func TestGitLabPushHook(t *testing.T) {
	b, err := GitLab{}.Parse(gitlabRaw("Push Hook", `{
		"commits": [{"id": "abc123", "timestamp": "2025-03-01T09:58:00Z"}]
	}`))
	require.NoError(t, err)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, event.ChangeID("abc123"), b.Changes[0].ChangeID)
	assert.Equal(t, "commit", b.Changes[0].ChangeType)
}

func TestGitLabMergedMR(t *testing.T) {
	b, err := GitLab{}.Parse(gitlabRaw("Merge Request Hook", `{
		"object_attributes": {
			"state": "merged",
			"merge_commit_sha": "feed01",
			"iid": 12
		}
	}`))
	require.NoError(t, err)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, event.ChangeID("feed01"), b.Changes[0].ChangeID)
	assert.Equal(t, "merge_request", b.Changes[0].ChangeType)
}

func TestGitLabOpenMRYieldsNothing(t *testing.T) {
	b, err := GitLab{}.Parse(gitlabRaw("Merge Request Hook", `{
		"object_attributes": {"state": "opened", "iid": 12}
	}`))
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestGitLabUnknownHookDropsSilently(t *testing.T) {
	b, err := GitLab{}.Parse(gitlabRaw("Note Hook", `{"note": "lgtm"}`))
	require.NoError(t, err)
	assert.True(t, b.Empty())
}

func TestGitLabMalformed(t *testing.T) {
	_, err := GitLab{}.Parse(gitlabRaw("Push Hook", `not json`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
