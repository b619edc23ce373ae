// Package bus is the embedded at-least-once transport: a topic-partitioned
// message store over SQLite with lease-based delivery.
//
// Guarantees and non-guarantees:
//   - A published message is durable before Publish returns.
//   - A message is delivered at least once; an expired lease or a Nack makes
//     it eligible again with the same msg_id.
//   - Ordering within a topic is best-effort (oldest-first claim), never
//     relied upon by consumers.
//   - Attempts are bounded; exhausted messages park as dead.
package bus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkeating/fourgate/internal/log"
)

// Bus is the SQLite-backed message bus. Safe for concurrent publishers and
// consumers; claims are single-statement UPDATE..RETURNING so two consumers
// never receive the same delivery.
type Bus struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger
}

// New creates a Bus over an opened database (see storage.OpenSQLite).
func New(db *sql.DB, cfg Config) *Bus {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultConfig().VisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = DefaultConfig().RetryBackoffBase
	}
	return &Bus{db: db, cfg: cfg, logger: log.WithComponent("bus")}
}

// Publish durably enqueues payload on topic and returns the assigned msg_id.
// The insert commits before return: a successful Publish means the message
// cannot be lost.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is empty")
	}
	if len(payload) == 0 {
		return "", fmt.Errorf("payload is empty")
	}

	msgID := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := b.db.ExecContext(ctx, `
INSERT INTO bus_messages(msg_id, topic, payload, status, attempt, published_at)
VALUES(?, ?, ?, ?, 0, ?);
`, msgID, topic, string(payload), StatusReady, now)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return msgID, nil
}

// Receive claims the oldest deliverable message on topic and leases it for
// the visibility timeout. Returns (nil, nil) when nothing is deliverable.
// Messages whose lease expired are reclaimed here, which is how redelivery
// happens.
func (b *Bus) Receive(ctx context.Context, topic string) (*Delivery, error) {
	now := time.Now().UTC()
	nowS := now.Format(time.RFC3339Nano)
	leaseS := now.Add(b.cfg.VisibilityTimeout).Format(time.RFC3339Nano)

	row := b.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT msg_id
  FROM bus_messages
  WHERE topic = ?
    AND (
      (status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?))
      OR (status = ? AND leased_until <= ?)
    )
  ORDER BY published_at ASC, rowid ASC
  LIMIT 1
)
UPDATE bus_messages
SET status = ?, leased_until = ?, attempt = attempt + 1
WHERE msg_id IN (SELECT msg_id FROM next)
RETURNING msg_id, topic, payload, attempt;
`, topic, StatusReady, nowS, StatusLeased, nowS, StatusLeased, leaseS)

	var (
		d       Delivery
		payload string
	)
	err := row.Scan(&d.MsgID, &d.Topic, &payload, &d.Attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}
	d.Payload = []byte(payload)

	if d.Attempt > 1 {
		b.logger.Debug("redelivering message", "msg_id", d.MsgID, "topic", topic, "attempt", d.Attempt)
	}
	return &d, nil
}

// Ack marks a delivery processed. Acking an already-acked or unknown msg_id
// is a no-op, which keeps concurrent duplicate processing safe.
func (b *Bus) Ack(ctx context.Context, msgID string) error {
	if msgID == "" {
		return fmt.Errorf("msgID is empty")
	}
	_, err := b.db.ExecContext(ctx, `
UPDATE bus_messages SET status = ?, leased_until = NULL WHERE msg_id = ? AND status = ?;
`, StatusDone, msgID, StatusLeased)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Nack returns a delivery for retry with exponential backoff, or parks it
// dead once attempts are exhausted.
func (b *Bus) Nack(ctx context.Context, msgID string, reason string) error {
	if msgID == "" {
		return fmt.Errorf("msgID is empty")
	}

	var attempt int
	err := b.db.QueryRowContext(ctx,
		"SELECT attempt FROM bus_messages WHERE msg_id = ?;", msgID,
	).Scan(&attempt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("nack: message %q not found", msgID)
	}
	if err != nil {
		return fmt.Errorf("nack: load attempt: %w", err)
	}

	if attempt >= b.cfg.MaxAttempts {
		b.logger.Error("message exhausted delivery attempts",
			"msg_id", msgID, "attempts", attempt, "last_error", reason)
		_, err := b.db.ExecContext(ctx, `
UPDATE bus_messages SET status = ?, leased_until = NULL, last_error = ? WHERE msg_id = ?;
`, StatusDead, reason, msgID)
		if err != nil {
			return fmt.Errorf("park dead message: %w", err)
		}
		return nil
	}

	retryAt := time.Now().UTC().Add(b.backoff(attempt)).Format(time.RFC3339Nano)
	_, err = b.db.ExecContext(ctx, `
UPDATE bus_messages
SET status = ?, leased_until = NULL, next_retry_at = ?, last_error = ?
WHERE msg_id = ?;
`, StatusReady, retryAt, reason, msgID)
	if err != nil {
		return fmt.Errorf("nack message: %w", err)
	}
	return nil
}

// Depth returns the number of messages still awaiting processing (ready or
// leased) across all topics.
func (b *Bus) Depth(ctx context.Context) (int, error) {
	var depth int
	err := b.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM bus_messages WHERE status IN (?, ?);
`, StatusReady, StatusLeased).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// backoff returns base * 2^(attempt-1), the delay before the next delivery.
func (b *Bus) backoff(attempt int) time.Duration {
	d := b.cfg.RetryBackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
