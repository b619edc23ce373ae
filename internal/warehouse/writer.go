// Package warehouse owns write durability and dedup for the canonical
// tables. It does not interpret row content; parsers decide semantics, the
// writer decides that a row lands exactly once.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkeating/fourgate/internal/event"
	"github.com/mkeating/fourgate/internal/log"
	"github.com/mkeating/fourgate/internal/metrics"
)

// ErrTransient marks a storage failure worth retrying (lock contention,
// connection loss). Store implementations wrap retryable errors with it.
var ErrTransient = errors.New("transient storage failure")

// ErrWriteFatal marks a non-retryable storage failure. The worker logs it,
// counts it, and drops the message; bounded loss on fatal errors is the
// accepted at-least-once tradeoff.
var ErrWriteFatal = errors.New("fatal warehouse write failure")

// Store is a warehouse backend. All operations are idempotent: events_raw is
// keyed on msg_id, derived tables on their canonical id, so re-running a
// partially applied batch is always safe.
type Store interface {
	// InsertRaw persists the envelope; returns false when msg_id was
	// already recorded (redelivery duplicate).
	InsertRaw(ctx context.Context, raw event.RawEvent) (bool, error)

	// InsertChanges appends changes, ignoring canonical-id duplicates.
	// Returns the number of rows actually inserted.
	InsertChanges(ctx context.Context, changes []event.Change) (int, error)

	// InsertDeployments appends deployments, ignoring duplicates.
	InsertDeployments(ctx context.Context, deployments []event.Deployment) (int, error)

	// UpsertIncidents merges incidents by incident_id (see mergeIncident).
	// Returns the number of rows created or modified.
	UpsertIncidents(ctx context.Context, incidents []event.Incident) (int, error)
}

// Writer wraps a Store with bounded-backoff retry on transient failures.
type Writer struct {
	store       Store
	maxAttempts int
	backoffBase time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewWriter creates a Writer. maxAttempts and backoffBase bound the in-process
// retry loop; once exhausted the failure propagates as still-transient so the
// transport layer takes over redelivery.
func NewWriter(store Store, maxAttempts int, backoffBase time.Duration, m *metrics.Metrics) *Writer {
	if maxAttempts <= 0 {
		maxAttempts = 4
	}
	if backoffBase <= 0 {
		backoffBase = 100 * time.Millisecond
	}
	return &Writer{
		store:       store,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
		logger:      log.WithComponent("warehouse"),
		metrics:     m,
	}
}

// WriteBatch persists the raw envelope and every canonical row derived from
// it. A duplicate msg_id suppresses nothing downstream: derived writes are
// re-run anyway, which heals a crash between the raw insert and the derived
// inserts on redelivery.
//
// Errors: wraps ErrTransient when the transport should redeliver, ErrWriteFatal
// when it should not.
func (w *Writer) WriteBatch(ctx context.Context, raw event.RawEvent, batch event.Batch) error {
	var inserted bool
	err := w.retry(ctx, "insert raw event", func() error {
		var err error
		inserted, err = w.store.InsertRaw(ctx, raw)
		return err
	})
	if err != nil {
		return err
	}
	if inserted {
		w.metrics.AddWrites("events_raw", 1)
	} else {
		w.logger.Debug("duplicate delivery suppressed",
			"msg_id", raw.MsgID, "source", raw.Source, "id", raw.ID)
	}

	if len(batch.Changes) > 0 {
		var n int
		err := w.retry(ctx, "insert changes", func() error {
			var err error
			n, err = w.store.InsertChanges(ctx, batch.Changes)
			return err
		})
		if err != nil {
			return err
		}
		w.metrics.AddWrites("changes", n)
	}

	if len(batch.Deployments) > 0 {
		var n int
		err := w.retry(ctx, "insert deployments", func() error {
			var err error
			n, err = w.store.InsertDeployments(ctx, batch.Deployments)
			return err
		})
		if err != nil {
			return err
		}
		w.metrics.AddWrites("deployments", n)
	}

	if len(batch.Incidents) > 0 {
		var n int
		err := w.retry(ctx, "upsert incidents", func() error {
			var err error
			n, err = w.store.UpsertIncidents(ctx, batch.Incidents)
			return err
		})
		if err != nil {
			return err
		}
		w.metrics.AddWrites("incidents", n)
	}

	return nil
}

// retry runs op with bounded exponential backoff on ErrTransient. Anything
// else is fatal immediately. Exhausting attempts keeps the transient marker
// so the caller nacks for transport-level redelivery instead of dropping.
func (w *Writer) retry(ctx context.Context, opName string, op func() error) error {
	backoff := w.backoffBase
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrTransient) {
			return fmt.Errorf("%s: %w: %v", opName, ErrWriteFatal, err)
		}
		if attempt >= w.maxAttempts {
			return fmt.Errorf("%s: %d attempts exhausted: %w", opName, attempt, err)
		}

		w.metrics.IncWriteRetry()
		w.logger.Warn("transient write failure, backing off",
			"op", opName, "attempt", attempt, "backoff", backoff, "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %v", opName, ErrTransient, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
