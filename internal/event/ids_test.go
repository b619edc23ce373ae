package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeIDStableAcrossSources(t *testing.T) {
	// A commit sha reported by the VCS webhook and by the CI pipeline must
	// derive the same change id or deployments never join to changes.
	sha := "abc123"
	assert.Equal(t, ChangeID(sha), ChangeID(sha))
	assert.NotEqual(t, ChangeID(sha), ChangeID("abc124"))
}

func TestDeployIDNamespacedBySource(t *testing.T) {
	assert.NotEqual(t, DeployID(SourcePipeline, "42"), DeployID(SourceDeploy, "42"))
}

func TestIncidentIDNamespacedBySource(t *testing.T) {
	assert.NotEqual(t, IncidentID(SourceIncident, "PD-1"), IncidentID(SourceGitHub, "PD-1"))
	assert.Equal(t, IncidentID(SourceIncident, "PD-1"), IncidentID(SourceIncident, "PD-1"))
}

func TestIDKindsDoNotCollide(t *testing.T) {
	// The same native id used as a change, deploy, and incident key must
	// produce distinct canonical ids.
	native := "12345"
	ids := map[string]bool{}
	ids[ChangeID(native)] = true
	ids[DeployID(SourcePipeline, native)] = true
	ids[IncidentID(SourceIncident, native)] = true
	assert.Len(t, ids, 3)
}

func TestDigestBodyStable(t *testing.T) {
	body := []byte(`{"event":"push"}`)
	require.Equal(t, DigestBody(body), DigestBody(body))
	require.NotEqual(t, DigestBody(body), DigestBody([]byte(`{"event":"push"} `)))
}

func TestBatchEmptyAndLen(t *testing.T) {
	var b Batch
	assert.True(t, b.Empty())
	assert.Equal(t, 0, b.Len())

	b.Changes = append(b.Changes, Change{ChangeID: "c1"})
	b.Deployments = append(b.Deployments, Deployment{DeployID: "d1"})
	assert.False(t, b.Empty())
	assert.Equal(t, 2, b.Len())
}
