package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS decisions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL,
    actor       TEXT NOT NULL DEFAULT '',
    provider    TEXT NOT NULL DEFAULT '',
    event_time  TEXT NOT NULL DEFAULT '',
    outcome     TEXT NOT NULL,
    reason      TEXT NOT NULL,
    tier        INTEGER NOT NULL DEFAULT 0,
    stale       INTEGER NOT NULL DEFAULT 0,
    payload     TEXT NOT NULL,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_event_id ON decisions(event_id);
CREATE INDEX IF NOT EXISTS idx_decisions_actor ON decisions(actor, event_time DESC);
CREATE INDEX IF NOT EXISTS idx_decisions_outcome ON decisions(outcome, reason);

CREATE TABLE IF NOT EXISTS alerts (
    id                 TEXT PRIMARY KEY,
    event_id           TEXT NOT NULL,
    actor              TEXT NOT NULL,
    severity           TEXT NOT NULL,
    tier               INTEGER NOT NULL,
    dominant_signal    TEXT NOT NULL,
    suppressed         INTEGER NOT NULL DEFAULT 0,
    suppression_reason TEXT NOT NULL DEFAULT '',
    timestamp          TEXT NOT NULL,
    payload            TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_actor ON alerts(actor, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_alerts_suppressed ON alerts(suppressed);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS baselines (
    actor      TEXT PRIMARY KEY,
    last_seen  TEXT NOT NULL,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`,
	},
	{
		version: 3,
		sql: `
DELETE FROM alerts WHERE rowid NOT IN (SELECT MIN(rowid) FROM alerts GROUP BY event_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_event_id ON alerts(event_id);
`,
	},
}

// SQLiteStore is the SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cannot open sqlite %q: %w", path, err)
	}

	// One connection: each ":memory:" connection is a separate database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("cannot create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("cannot check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("cannot apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("cannot record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// RecordDecision stores d and, when present, its alert.
func (s *SQLiteStore) RecordDecision(ctx context.Context, d *events.Decision) error {
	ctx, span := tracer.Start(ctx, "audit.record_decision")
	defer span.End()
	span.SetAttributes(
		attribute.String("audit.backend", "sqlite"),
		attribute.String("decision.outcome", string(d.Outcome)),
	)

	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("cannot encode decision %q: %w", d.EventID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var eventTime string
	if !d.EventTime.IsZero() {
		eventTime = formatTime(d.EventTime)
	}

	_, err = tx.ExecContext(ctx, `
        INSERT INTO decisions(event_id, actor, provider, event_time, outcome, reason, tier, stale, payload, recorded_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		d.EventID, d.Actor, string(d.Provider), eventTime,
		string(d.Outcome), d.Reason, d.Tier, d.Stale,
		string(payload), formatTime(d.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("cannot insert decision %q: %w", d.EventID, err)
	}

	if a := d.Alert; a != nil {
		alertPayload, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("cannot encode alert %q: %w", a.ID, err)
		}

		res, err := tx.ExecContext(ctx, `
            INSERT INTO alerts(id, event_id, actor, severity, tier, dominant_signal, suppressed, suppression_reason, timestamp, payload)
            VALUES(?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT DO NOTHING
        `,
			a.ID, a.EventID, a.Actor, a.CombinedSeverity.String(), a.Tier,
			a.DominantSignal, a.Suppressed, a.SuppressionReason,
			formatTime(a.Timestamp), string(alertPayload),
		)
		if err != nil {
			return fmt.Errorf("cannot insert alert %q: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("cannot insert alert %q: %w", a.ID, err)
		}
		if n == 0 {
			// The rollback also drops the decision row.
			return fmt.Errorf("cannot insert alert %q for event %q: %w", a.ID, a.EventID, ErrDuplicateAlert)
		}
	}

	return tx.Commit()
}

// QueryAlerts returns matching alerts, newest first.
func (s *SQLiteStore) QueryAlerts(ctx context.Context, q AlertQuery) ([]*events.Alert, error) {
	query := `SELECT payload FROM alerts WHERE 1=1`
	args := []any{}

	if q.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, q.Actor)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, formatTime(q.To))
	}
	if q.Suppressed != nil {
		query += ` AND suppressed = ?`
		args = append(args, *q.Suppressed)
	}
	query += ` ORDER BY timestamp DESC, id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot query alerts: %w", err)
	}
	defer rows.Close()

	var result []*events.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		a := &events.Alert{}
		if err := json.Unmarshal([]byte(payload), a); err != nil {
			return nil, fmt.Errorf("cannot decode alert: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// CountDecisions returns the number of recorded decisions per outcome.
func (s *SQLiteStore) CountDecisions(ctx context.Context) (map[events.Outcome]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM decisions GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("cannot count decisions: %w", err)
	}
	defer rows.Close()

	out := make(map[events.Outcome]int)
	for rows.Next() {
		var (
			outcome string
			n       int
		)
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		out[events.Outcome(outcome)] = n
	}
	return out, rows.Err()
}

// SaveBaselines replaces the stored checkpoint in one transaction.
func (s *SQLiteStore) SaveBaselines(ctx context.Context, baselines []*baseline.ActorBaseline) error {
	ctx, span := tracer.Start(ctx, "audit.save_baselines")
	defer span.End()
	span.SetAttributes(attribute.Int("baseline.actors", len(baselines)))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baselines`); err != nil {
		return fmt.Errorf("cannot clear baselines: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO baselines(actor, last_seen, payload, updated_at) VALUES(?,?,?,datetime('now'))`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range baselines {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("cannot encode baseline %q: %w", b.Actor, err)
		}
		if _, err := stmt.ExecContext(ctx, b.Actor, formatTime(b.LastSeen), string(payload)); err != nil {
			return fmt.Errorf("cannot insert baseline %q: %w", b.Actor, err)
		}
	}

	return tx.Commit()
}

// LoadBaselines returns the stored checkpoint ordered by actor.
func (s *SQLiteStore) LoadBaselines(ctx context.Context) ([]*baseline.ActorBaseline, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM baselines ORDER BY actor ASC`)
	if err != nil {
		return nil, fmt.Errorf("cannot query baselines: %w", err)
	}
	defer rows.Close()

	var result []*baseline.ActorBaseline
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		b := &baseline.ActorBaseline{}
		if err := json.Unmarshal([]byte(payload), b); err != nil {
			return nil, fmt.Errorf("cannot decode baseline: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}
