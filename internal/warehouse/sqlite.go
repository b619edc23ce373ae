package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mkeating/fourgate/internal/event"
)

// SQLiteStore is the default warehouse backend, sharing the service's SQLite
// database. The database handle is owned by the caller.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened database (see storage.OpenSQLite).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// InsertRaw persists the envelope, suppressing msg_id duplicates.
func (s *SQLiteStore) InsertRaw(ctx context.Context, raw event.RawEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO events_raw(msg_id, source, event_type, id, metadata, time_created, signature)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(msg_id) DO NOTHING;
`, raw.MsgID, string(raw.Source), raw.EventType, raw.ID, string(raw.Metadata),
		raw.TimeCreated.UTC().Format(time.RFC3339Nano), raw.Signature)
	if err != nil {
		return false, wrapSQLiteErr("insert events_raw", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapSQLiteErr("insert events_raw", err)
	}
	return n > 0, nil
}

// InsertChanges appends changes, ignoring canonical-id duplicates.
func (s *SQLiteStore) InsertChanges(ctx context.Context, changes []event.Change) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQLiteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, c := range changes {
		res, err := tx.ExecContext(ctx, `
INSERT INTO changes(change_id, time_created, change_type)
VALUES(?, ?, ?)
ON CONFLICT(change_id) DO NOTHING;
`, c.ChangeID, c.TimeCreated.UTC().Format(time.RFC3339Nano), c.ChangeType)
		if err != nil {
			return 0, wrapSQLiteErr("insert change", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapSQLiteErr("commit changes", err)
	}
	return inserted, nil
}

// InsertDeployments appends deployments, ignoring duplicates.
func (s *SQLiteStore) InsertDeployments(ctx context.Context, deployments []event.Deployment) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQLiteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, d := range deployments {
		changesJSON, err := marshalChanges(d.Changes)
		if err != nil {
			return 0, fmt.Errorf("marshal deployment changes: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
INSERT INTO deployments(deploy_id, changes, time_created)
VALUES(?, ?, ?)
ON CONFLICT(deploy_id) DO NOTHING;
`, d.DeployID, changesJSON, d.TimeCreated.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return 0, wrapSQLiteErr("insert deployment", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapSQLiteErr("commit deployments", err)
	}
	return inserted, nil
}

// UpsertIncidents merges incidents by id inside one transaction. Read-merge-
// write keeps the union/min/set-once rules in Go instead of SQL; busy_timeout
// plus the writer's retry loop covers lock contention.
func (s *SQLiteStore) UpsertIncidents(ctx context.Context, incidents []event.Incident) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapSQLiteErr("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	written := 0
	for _, inc := range incidents {
		existing, found, err := loadIncidentTx(ctx, tx, inc.IncidentID)
		if err != nil {
			return 0, err
		}

		if !found {
			changesJSON, err := marshalChanges(inc.Changes)
			if err != nil {
				return 0, fmt.Errorf("marshal incident changes: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO incidents(incident_id, changes, time_created, time_resolved)
VALUES(?, ?, ?, ?);
`, inc.IncidentID, changesJSON,
				inc.TimeCreated.UTC().Format(time.RFC3339Nano), nullableTime(inc.TimeResolved))
			if err != nil {
				return 0, wrapSQLiteErr("insert incident", err)
			}
			written++
			continue
		}

		merged, changed := mergeIncident(existing, inc)
		if !changed {
			continue
		}
		changesJSON, err := marshalChanges(merged.Changes)
		if err != nil {
			return 0, fmt.Errorf("marshal incident changes: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE incidents
SET changes = ?, time_created = ?, time_resolved = ?
WHERE incident_id = ?;
`, changesJSON, merged.TimeCreated.UTC().Format(time.RFC3339Nano),
			nullableTime(merged.TimeResolved), merged.IncidentID)
		if err != nil {
			return 0, wrapSQLiteErr("update incident", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapSQLiteErr("commit incidents", err)
	}
	return written, nil
}

// RecentRaw returns the newest raw events, for the ops API.
func (s *SQLiteStore) RecentRaw(ctx context.Context, limit int) ([]event.RawEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT msg_id, source, event_type, id, metadata, time_created, signature
FROM events_raw
ORDER BY time_created DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, wrapSQLiteErr("query recent raw events", err)
	}
	defer rows.Close()

	var out []event.RawEvent
	for rows.Next() {
		var (
			raw      event.RawEvent
			source   string
			metadata sql.NullString
			created  string
			sig      sql.NullString
		)
		if err := rows.Scan(&raw.MsgID, &source, &raw.EventType, &raw.ID, &metadata, &created, &sig); err != nil {
			return nil, fmt.Errorf("scan raw event: %w", err)
		}
		raw.Source = event.Source(source)
		if metadata.Valid {
			raw.Metadata = []byte(metadata.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			raw.TimeCreated = t
		}
		if sig.Valid {
			raw.Signature = sig.String
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// OpenIncidents returns incidents with no resolution yet, for the ops API.
func (s *SQLiteStore) OpenIncidents(ctx context.Context) ([]event.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT incident_id, changes, time_created, time_resolved
FROM incidents
WHERE time_resolved IS NULL
ORDER BY time_created ASC;
`)
	if err != nil {
		return nil, wrapSQLiteErr("query open incidents", err)
	}
	defer rows.Close()

	var out []event.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func loadIncidentTx(ctx context.Context, tx *sql.Tx, id string) (event.Incident, bool, error) {
	var (
		inc        event.Incident
		changesStr string
		createdStr string
		resolved   sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
SELECT incident_id, changes, time_created, time_resolved FROM incidents WHERE incident_id = ?;
`, id).Scan(&inc.IncidentID, &changesStr, &createdStr, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Incident{}, false, nil
	}
	if err != nil {
		return event.Incident{}, false, wrapSQLiteErr("load incident", err)
	}

	if err := json.Unmarshal([]byte(changesStr), &inc.Changes); err != nil {
		return event.Incident{}, false, fmt.Errorf("decode incident changes: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdStr); err == nil {
		inc.TimeCreated = t
	}
	if resolved.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolved.String); err == nil {
			inc.TimeResolved = &t
		}
	}
	return inc, true, nil
}

func scanIncident(rows *sql.Rows) (event.Incident, error) {
	var (
		inc        event.Incident
		changesStr string
		createdStr string
		resolved   sql.NullString
	)
	if err := rows.Scan(&inc.IncidentID, &changesStr, &createdStr, &resolved); err != nil {
		return event.Incident{}, fmt.Errorf("scan incident: %w", err)
	}
	if err := json.Unmarshal([]byte(changesStr), &inc.Changes); err != nil {
		return event.Incident{}, fmt.Errorf("decode incident changes: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdStr); err == nil {
		inc.TimeCreated = t
	}
	if resolved.Valid {
		if t, err := time.Parse(time.RFC3339Nano, resolved.String); err == nil {
			inc.TimeResolved = &t
		}
	}
	return inc, nil
}

func marshalChanges(changes []string) (string, error) {
	if changes == nil {
		changes = []string{}
	}
	b, err := json.Marshal(changes)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// wrapSQLiteErr marks lock contention as transient so the writer retries it;
// everything else surfaces as-is and becomes fatal at the writer.
func wrapSQLiteErr(op string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked") {
		return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
