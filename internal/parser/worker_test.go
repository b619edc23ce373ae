package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkeating/fourgate/internal/bus"
	"github.com/mkeating/fourgate/internal/event"
	"github.com/mkeating/fourgate/internal/registry"
	"github.com/mkeating/fourgate/internal/storage"
	"github.com/mkeating/fourgate/internal/warehouse"
)

// fakeTransport records ack/nack decisions for a single canned delivery.
type fakeTransport struct {
	delivery *bus.Delivery
	acked    []string
	nacked   []string
}

func (f *fakeTransport) Receive(ctx context.Context, topic string) (*bus.Delivery, error) {
	d := f.delivery
	f.delivery = nil
	return d, nil
}

func (f *fakeTransport) Ack(ctx context.Context, msgID string) error {
	f.acked = append(f.acked, msgID)
	return nil
}

func (f *fakeTransport) Nack(ctx context.Context, msgID string, reason string) error {
	f.nacked = append(f.nacked, msgID)
	return nil
}

// fakeWriter returns a fixed error from WriteBatch.
type fakeWriter struct {
	err    error
	called int
}

func (f *fakeWriter) WriteBatch(ctx context.Context, raw event.RawEvent, batch event.Batch) error {
	f.called++
	return f.err
}

func githubSource() *registry.Source {
	return &registry.Source{
		Name:  "github",
		Kind:  event.SourceGitHub,
		Topic: "fourgate.github",
	}
}

func envelope(t *testing.T, raw event.RawEvent) []byte {
	t.Helper()
	b, err := json.Marshal(raw)
	require.NoError(t, err)
	return b
}

func pushDelivery(t *testing.T, msgID string) *bus.Delivery {
	raw := event.RawEvent{
		Source:      event.SourceGitHub,
		EventType:   "push",
		ID:          "abc123",
		Metadata:    []byte(`{"commits":[{"id":"abc123"}]}`),
		TimeCreated: receiptTime,
	}
	return &bus.Delivery{MsgID: msgID, Topic: "fourgate.github", Payload: envelope(t, raw), Attempt: 1}
}

func TestWorkerAcksOnSuccess(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{delivery: pushDelivery(t, "m1")}
	fw := &fakeWriter{}
	w, err := NewWorker(githubSource(), ft, fw, time.Millisecond, nil)
	require.NoError(t, err)

	w.drain(context.Background())
	assert.Equal(t, []string{"m1"}, ft.acked)
	assert.Empty(t, ft.nacked)
	assert.Equal(t, 1, fw.called)
}

func TestWorkerAcksMalformedPayload(t *testing.T) {
	t.Parallel()
	raw := event.RawEvent{
		Source:      event.SourceGitHub,
		EventType:   "push",
		Metadata:    []byte(`{"commits":"garbage"}`),
		TimeCreated: receiptTime,
	}
	ft := &fakeTransport{delivery: &bus.Delivery{MsgID: "m1", Payload: envelope(t, raw), Attempt: 1}}
	fw := &fakeWriter{}
	w, err := NewWorker(githubSource(), ft, fw, time.Millisecond, nil)
	require.NoError(t, err)

	w.drain(context.Background())
	assert.Equal(t, []string{"m1"}, ft.acked, "malformed payloads are dropped, not retried")
	assert.Equal(t, 0, fw.called)
}

func TestWorkerAcksUndecodableEnvelope(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{delivery: &bus.Delivery{MsgID: "m1", Payload: []byte("not json"), Attempt: 1}}
	w, err := NewWorker(githubSource(), ft, &fakeWriter{}, time.Millisecond, nil)
	require.NoError(t, err)

	w.drain(context.Background())
	assert.Equal(t, []string{"m1"}, ft.acked)
}

func TestWorkerNacksTransientWriteFailure(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{delivery: pushDelivery(t, "m1")}
	fw := &fakeWriter{err: fmt.Errorf("insert: %w: locked", warehouse.ErrTransient)}
	w, err := NewWorker(githubSource(), ft, fw, time.Millisecond, nil)
	require.NoError(t, err)

	w.drain(context.Background())
	assert.Empty(t, ft.acked)
	assert.Equal(t, []string{"m1"}, ft.nacked, "transient failure must trigger redelivery")
}

func TestWorkerAcksFatalWriteFailure(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{delivery: pushDelivery(t, "m1")}
	fw := &fakeWriter{err: fmt.Errorf("insert: %w: constraint", warehouse.ErrWriteFatal)}
	w, err := NewWorker(githubSource(), ft, fw, time.Millisecond, nil)
	require.NoError(t, err)

	w.drain(context.Background())
	assert.Equal(t, []string{"m1"}, ft.acked, "fatal failure drops the message to unblock the topic")
	assert.Empty(t, ft.nacked)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ft := &fakeTransport{}
	w, err := NewWorker(githubSource(), ft, &fakeWriter{}, time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = w.Run(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

// End-to-end over the real bus and warehouse: duplicate redelivery of the
// same msg_id must land exactly one row per table.
func TestWorkerPipelineIdempotentUnderRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := warehouse.NewSQLiteStore(db)
	writer := warehouse.NewWriter(store, 4, time.Millisecond, nil)

	src := &registry.Source{Name: "pipeline", Kind: event.SourcePipeline, Topic: "fourgate.pipeline"}
	busCfg := bus.DefaultConfig()
	busCfg.VisibilityTimeout = 10 * time.Millisecond
	b := bus.New(db, busCfg)

	w, err := NewWorker(src, b, writer, time.Millisecond, nil)
	require.NoError(t, err)

	raw := event.RawEvent{
		Source:      event.SourcePipeline,
		EventType:   "pipeline_run",
		ID:          "42",
		Metadata:    []byte(`{"run":{"id":42,"status":"success"},"stage":"deploy","commits":["abc123"]}`),
		TimeCreated: receiptTime,
	}
	msgID, err := b.Publish(ctx, src.Topic, envelope(t, raw))
	require.NoError(t, err)

	// First delivery: receive but do not ack, simulating a worker crash
	// after the write. The lease expires and the message comes back.
	d, err := b.Receive(ctx, src.Topic)
	require.NoError(t, err)
	require.NotNil(t, d)
	var decoded event.RawEvent
	require.NoError(t, json.Unmarshal(d.Payload, &decoded))
	decoded.MsgID = d.MsgID
	batch, err := Pipeline{}.Parse(decoded)
	require.NoError(t, err)
	require.NoError(t, writer.WriteBatch(ctx, decoded, batch))

	time.Sleep(20 * time.Millisecond)

	// Redelivery processed by the full worker path.
	w.drain(ctx)

	var nRaw, nDeps, nChanges int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events_raw WHERE msg_id = ?", msgID).Scan(&nRaw))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM deployments").Scan(&nDeps))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM changes").Scan(&nChanges))
	assert.Equal(t, 1, nRaw, "one events_raw row per msg_id")
	assert.Equal(t, 1, nDeps, "duplicate pipeline-success deliveries yield one deployment")
	assert.Equal(t, 1, nChanges)
}

// Out-of-order incident open/resolve through the full worker path.
func TestWorkerIncidentOutOfOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := warehouse.NewSQLiteStore(db)
	writer := warehouse.NewWriter(store, 4, time.Millisecond, nil)
	src := &registry.Source{Name: "pagerduty", Kind: event.SourceIncident, Topic: "fourgate.pagerduty"}
	b := bus.New(db, bus.DefaultConfig())
	w, err := NewWorker(src, b, writer, time.Millisecond, nil)
	require.NoError(t, err)

	resolve := event.RawEvent{
		Source:      event.SourceIncident,
		EventType:   "incident.resolved",
		ID:          "PD-1",
		Metadata:    []byte(`{"incident":{"id":"PD-1","status":"resolved","resolved_at":"2025-03-01T11:00:00Z"}}`),
		TimeCreated: receiptTime,
	}
	open := event.RawEvent{
		Source:      event.SourceIncident,
		EventType:   "incident.triggered",
		ID:          "PD-1",
		Metadata:    []byte(`{"incident":{"id":"PD-1","status":"triggered","created_at":"2025-03-01T09:50:00Z"}}`),
		TimeCreated: receiptTime,
	}

	// Resolve first, open second.
	_, err = b.Publish(ctx, src.Topic, envelope(t, resolve))
	require.NoError(t, err)
	_, err = b.Publish(ctx, src.Topic, envelope(t, open))
	require.NoError(t, err)
	w.drain(ctx)

	incidentID := event.IncidentID(event.SourceIncident, "PD-1")
	var created string
	var resolved *string
	require.NoError(t, db.QueryRow(
		"SELECT time_created, time_resolved FROM incidents WHERE incident_id = ?", incidentID,
	).Scan(&created, &resolved))

	require.NotNil(t, resolved, "resolution must survive the late open")
	assert.Contains(t, created, "2025-03-01T09:50:00", "open event pulls time_created back")
	assert.Contains(t, *resolved, "2025-03-01T11:00:00")
}
