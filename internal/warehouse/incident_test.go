package warehouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeating/fourgate/internal/event"
)

var (
	t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	t1 = time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
)

func TestMergeIncidentResolveAfterOpen(t *testing.T) {
	open := event.Incident{IncidentID: "i1", TimeCreated: t0, Changes: []string{"c1"}}
	resolve := event.Incident{IncidentID: "i1", TimeCreated: t0, TimeResolved: &t1}

	merged, changed := mergeIncident(open, resolve)
	require.True(t, changed)
	require.NotNil(t, merged.TimeResolved)
	assert.Equal(t, t1, *merged.TimeResolved)
	assert.Equal(t, t0, merged.TimeCreated)
	assert.Equal(t, []string{"c1"}, merged.Changes)
}

func TestMergeIncidentOpenAfterResolve(t *testing.T) {
	// Resolve arrived first; the late open pulls time_created back and must
	// not disturb the resolution.
	resolved := event.Incident{IncidentID: "i1", TimeCreated: t1, TimeResolved: &t1}
	open := event.Incident{IncidentID: "i1", TimeCreated: t0, Changes: []string{"c1"}}

	merged, changed := mergeIncident(resolved, open)
	require.True(t, changed)
	assert.Equal(t, t0, merged.TimeCreated)
	require.NotNil(t, merged.TimeResolved)
	assert.Equal(t, t1, *merged.TimeResolved)
	assert.Equal(t, []string{"c1"}, merged.Changes)
}

func TestMergeIncidentResolvedSetOnce(t *testing.T) {
	later := t1.Add(time.Hour)
	existing := event.Incident{IncidentID: "i1", TimeCreated: t0, TimeResolved: &t1}
	second := event.Incident{IncidentID: "i1", TimeCreated: t0, TimeResolved: &later}

	merged, changed := mergeIncident(existing, second)
	assert.False(t, changed)
	assert.Equal(t, t1, *merged.TimeResolved)
}

func TestMergeIncidentChangesUnion(t *testing.T) {
	existing := event.Incident{IncidentID: "i1", TimeCreated: t0, Changes: []string{"c1", "c2"}}
	incoming := event.Incident{IncidentID: "i1", TimeCreated: t0, Changes: []string{"c2", "c3"}}

	merged, changed := mergeIncident(existing, incoming)
	require.True(t, changed)
	assert.Equal(t, []string{"c1", "c2", "c3"}, merged.Changes)
}

func TestMergeIncidentIdenticalNoChange(t *testing.T) {
	inc := event.Incident{IncidentID: "i1", TimeCreated: t0, Changes: []string{"c1"}}
	_, changed := mergeIncident(inc, inc)
	assert.False(t, changed)
}
