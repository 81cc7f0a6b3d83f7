package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"perfwatch/alert"
)

// DefaultWriteTimeout bounds a single journal insert made from Handle.
const DefaultWriteTimeout = 2 * time.Second

// Journal is a SQLite-backed alert event log. It implements alert.Handler
// so it can be registered with the alert manager directly.
type Journal struct {
	db           *sql.DB
	log          *zap.Logger
	writeTimeout time.Duration
}

var (
	_ Store         = (*Journal)(nil)
	_ alert.Handler = (*Journal)(nil)
)

// NewJournal opens (or creates) the SQLite file at dbPath and runs the
// migration that creates the `alert_events` table if it does not exist.
// The caller must call Close() when the program shuts down.
func NewJournal(dbPath string, log *zap.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	// The modernc.org driver is pure-go and works without CGO.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Verify the connection quickly.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{db: db, log: log, writeTimeout: DefaultWriteTimeout}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migration: %w", err)
	}
	return j, nil
}

func (j *Journal) migrate() error {
	const stmt = `
CREATE TABLE IF NOT EXISTS alert_events (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    at_ns      INTEGER NOT NULL,
    event      TEXT NOT NULL,
    alert_id   TEXT NOT NULL,
    component  TEXT NOT NULL,
    metric     TEXT NOT NULL,
    reason     TEXT NOT NULL,
    severity   TEXT NOT NULL,
    message    TEXT NOT NULL,
    value      REAL NOT NULL,
    note       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alert_events_component_at ON alert_events(component, at_ns);
CREATE INDEX IF NOT EXISTS idx_alert_events_at ON alert_events(at_ns);
`
	if _, err := j.db.Exec(stmt); err != nil {
		return fmt.Errorf("create alert_events table: %w", err)
	}
	j.log.Info("SQLite migration applied")
	return nil
}

// Handle journals ev. It is called synchronously by the alert manager.
func (j *Journal) Handle(ev alert.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), j.writeTimeout)
	defer cancel()
	return j.Append(ctx, ev)
}

// Append stores one event row.
func (j *Journal) Append(ctx context.Context, ev alert.Event) error {
	a := ev.Alert
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO alert_events
		    (at_ns, event, alert_id, component, metric, reason, severity, message, value, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.At.UnixNano(), ev.Kind.String(), a.ID, a.Component, a.Metric,
		a.Reason.String(), a.Severity.String(), a.Message, a.Value, ev.Note)
	if err != nil {
		return fmt.Errorf("insert alert event %s: %w", a.ID, err)
	}
	j.log.Debug("alert event journaled",
		zap.String("alert_id", a.ID), zap.Stringer("event", ev.Kind))
	return nil
}

// Query returns the events of component (all components when empty) with
// from <= at <= to, oldest first.
func (j *Journal) Query(ctx context.Context, component string, from, to time.Time) ([]AlertRecord, error) {
	q := `SELECT id, at_ns, event, alert_id, component, metric, reason, severity, message, value, note
	      FROM alert_events WHERE at_ns BETWEEN ? AND ?`
	args := []any{from.UnixNano(), to.UnixNano()}
	if component != "" {
		q += ` AND component = ?`
		args = append(args, component)
	}
	q += ` ORDER BY at_ns ASC, id ASC`

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query alert events: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var (
			r  AlertRecord
			ns int64
		)
		if err := rows.Scan(&r.ID, &ns, &r.Event, &r.AlertID, &r.Component, &r.Metric,
			&r.Reason, &r.Severity, &r.Message, &r.Value, &r.Note); err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		r.At = time.Unix(0, ns).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert events: %w", err)
	}
	return out, nil
}

// Close shuts down the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}
