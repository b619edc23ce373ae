package warehouse

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkeating/fourgate/internal/event"
)

// schemaSQL is embedded so the service can self-bootstrap its warehouse
// schema against a fresh database.
//
//go:embed schema_postgres.sql
var schemaSQL string

// PostgresStore is the Postgres warehouse backend, for deployments where the
// derived views run in the same database the dashboards query.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a connection pool and fails fast if the database
// is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(pctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies the embedded schema. Safe to run repeatedly.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

// Ping validates connectivity, for the ops API health check.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

// InsertRaw persists the envelope, suppressing msg_id duplicates via the
// primary-key conflict.
func (p *PostgresStore) InsertRaw(ctx context.Context, raw event.RawEvent) (bool, error) {
	ct, err := p.pool.Exec(ctx, `
INSERT INTO events_raw(msg_id, source, event_type, id, metadata, time_created, signature)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (msg_id) DO NOTHING;
`, raw.MsgID, string(raw.Source), raw.EventType, raw.ID, []byte(raw.Metadata),
		raw.TimeCreated.UTC(), raw.Signature)
	if err != nil {
		return false, wrapPgErr("insert events_raw", err)
	}
	return ct.RowsAffected() > 0, nil
}

// InsertChanges appends changes, ignoring canonical-id duplicates.
func (p *PostgresStore) InsertChanges(ctx context.Context, changes []event.Change) (int, error) {
	inserted := 0
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		for _, c := range changes {
			ct, err := tx.Exec(ctx, `
INSERT INTO changes(change_id, time_created, change_type)
VALUES ($1, $2, $3)
ON CONFLICT (change_id) DO NOTHING;
`, c.ChangeID, c.TimeCreated.UTC(), c.ChangeType)
			if err != nil {
				return wrapPgErr("insert change", err)
			}
			inserted += int(ct.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// InsertDeployments appends deployments, ignoring duplicates.
func (p *PostgresStore) InsertDeployments(ctx context.Context, deployments []event.Deployment) (int, error) {
	inserted := 0
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		for _, d := range deployments {
			changesJSON, err := marshalChanges(d.Changes)
			if err != nil {
				return fmt.Errorf("marshal deployment changes: %w", err)
			}
			ct, err := tx.Exec(ctx, `
INSERT INTO deployments(deploy_id, changes, time_created)
VALUES ($1, $2, $3)
ON CONFLICT (deploy_id) DO NOTHING;
`, d.DeployID, changesJSON, d.TimeCreated.UTC())
			if err != nil {
				return wrapPgErr("insert deployment", err)
			}
			inserted += int(ct.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// UpsertIncidents merges incidents by id. The row is locked FOR UPDATE so
// concurrent workers merging the same incident serialize instead of losing
// one side's fields.
func (p *PostgresStore) UpsertIncidents(ctx context.Context, incidents []event.Incident) (int, error) {
	written := 0
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		for _, inc := range incidents {
			var (
				changesJSON string
				created     time.Time
				resolved    *time.Time
			)
			err := tx.QueryRow(ctx, `
SELECT changes::text, time_created, time_resolved FROM incidents WHERE incident_id = $1 FOR UPDATE;
`, inc.IncidentID).Scan(&changesJSON, &created, &resolved)

			if errors.Is(err, pgx.ErrNoRows) {
				cj, err := marshalChanges(inc.Changes)
				if err != nil {
					return fmt.Errorf("marshal incident changes: %w", err)
				}
				var res *time.Time
				if inc.TimeResolved != nil {
					t := inc.TimeResolved.UTC()
					res = &t
				}
				if _, err := tx.Exec(ctx, `
INSERT INTO incidents(incident_id, changes, time_created, time_resolved)
VALUES ($1, $2, $3, $4);
`, inc.IncidentID, cj, inc.TimeCreated.UTC(), res); err != nil {
					return wrapPgErr("insert incident", err)
				}
				written++
				continue
			}
			if err != nil {
				return wrapPgErr("load incident", err)
			}

			existing := event.Incident{
				IncidentID:   inc.IncidentID,
				TimeCreated:  created,
				TimeResolved: resolved,
			}
			if err := json.Unmarshal([]byte(changesJSON), &existing.Changes); err != nil {
				return fmt.Errorf("decode incident changes: %w", err)
			}

			merged, changed := mergeIncident(existing, inc)
			if !changed {
				continue
			}
			cj, err := marshalChanges(merged.Changes)
			if err != nil {
				return fmt.Errorf("marshal incident changes: %w", err)
			}
			var res *time.Time
			if merged.TimeResolved != nil {
				t := merged.TimeResolved.UTC()
				res = &t
			}
			if _, err := tx.Exec(ctx, `
UPDATE incidents SET changes = $1, time_created = $2, time_resolved = $3
WHERE incident_id = $4;
`, cj, merged.TimeCreated.UTC(), res, merged.IncidentID); err != nil {
				return wrapPgErr("update incident", err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// RecentRaw returns the newest raw events, for the ops API.
func (p *PostgresStore) RecentRaw(ctx context.Context, limit int) ([]event.RawEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
SELECT msg_id, source, event_type, id, metadata, time_created, signature
FROM events_raw
ORDER BY time_created DESC
LIMIT $1;
`, limit)
	if err != nil {
		return nil, wrapPgErr("query recent raw events", err)
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		var (
			raw      event.RawEvent
			source   string
			metadata []byte
			sig      *string
		)
		if err := rows.Scan(&raw.MsgID, &source, &raw.EventType, &raw.ID, &metadata, &raw.TimeCreated, &sig); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		raw.Source = event.Source(source)
		raw.Metadata = metadata
		if sig != nil {
			raw.Signature = *sig
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// OpenIncidents returns unresolved incidents, for the ops API.
func (p *PostgresStore) OpenIncidents(ctx context.Context) ([]event.Incident, error) {
	rows, err := p.pool.Query(ctx, `
SELECT incident_id, changes::text, time_created, time_resolved
FROM incidents
WHERE time_resolved IS NULL
ORDER BY time_created ASC;
`)
	if err != nil {
		return nil, wrapPgErr("query open incidents", err)
	}
	defer rows.Close()

	var out []event.Incident
	for rows.Next() {
		var (
			inc         event.Incident
			changesJSON string
		)
		if err := rows.Scan(&inc.IncidentID, &changesJSON, &inc.TimeCreated, &inc.TimeResolved); err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		if err := json.Unmarshal([]byte(changesJSON), &inc.Changes); err != nil {
			return nil, fmt.Errorf("decode incident changes: %w", err)
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return wrapPgErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapPgErr("commit tx", err)
	}
	return nil
}

// wrapPgErr marks retry-worthy failure classes as transient: connection
// errors (08xxx), serialization/deadlock (40xxx), resource exhaustion
// (53xxx), plus network-level failures before a statement was sent.
func wrapPgErr(op string, err error) error {
	if isTransientPg(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransientPg(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		return strings.HasPrefix(code, "08") ||
			strings.HasPrefix(code, "40") ||
			strings.HasPrefix(code, "53") ||
			code == "57P03" // cannot_connect_now
	}
	return false
}
