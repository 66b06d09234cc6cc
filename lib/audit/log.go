// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/clock"
)

// logSchema is applied to every connection. Times are stored as Unix
// nanoseconds so range queries stay integer comparisons.
const logSchema = `
CREATE TABLE IF NOT EXISTS security_events (
	id           INTEGER PRIMARY KEY,
	time         INTEGER NOT NULL,
	category     TEXT NOT NULL,
	severity     TEXT NOT NULL,
	element_kind TEXT NOT NULL DEFAULT '',
	element_name TEXT NOT NULL DEFAULT '',
	field        TEXT NOT NULL DEFAULT '',
	findings     TEXT NOT NULL DEFAULT '[]',
	detail       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_security_events_time
	ON security_events(time);
CREATE INDEX IF NOT EXISTS idx_security_events_severity
	ON security_events(severity, time);
`

// LogConfig holds the parameters for opening a persistent audit log.
type LogConfig struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist. Required.
	Path string

	// PoolSize is the number of connections. Defaults to 2: one
	// writer, one reader. The audit log is append-mostly.
	PoolSize int

	// Clock supplies timestamps for events recorded with a zero Time.
	// Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages, including dropped-event
	// errors. If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Log is a SQLite-backed event sink. It implements [Sink] for writes
// and adds query methods for operators: recent events, counts by
// severity, and retention pruning.
type Log struct {
	pool   *connPool
	clock  clock.Clock
	logger *slog.Logger
}

// OpenLog opens (creating if necessary) the audit database at
// cfg.Path. The caller must Close the log when done.
func OpenLog(cfg LogConfig) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit: Path is required")
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := openPool(cfg.Path, poolSize, logger)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	return &Log{pool: pool, clock: clk, logger: logger}, nil
}

// Record implements Sink. A zero event Time is filled from the log's
// clock. Database errors are logged and the event is dropped; Record
// never fails the caller.
func (l *Log) Record(event Event) {
	if event.Time.IsZero() {
		event.Time = l.clock.Now()
	}

	findings := event.Findings
	if findings == nil {
		findings = []string{}
	}
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		l.logger.Error("audit event dropped", "error", err)
		return
	}

	conn, err := l.pool.take(context.Background())
	if err != nil {
		l.logger.Error("audit event dropped", "error", err)
		return
	}
	defer l.pool.put(conn)

	err = sqlitex.Execute(conn, `INSERT INTO security_events
		(time, category, severity, element_kind, element_name, field,
		 findings, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				event.Time.UnixNano(),
				event.Category,
				event.Severity,
				event.ElementKind,
				event.ElementName,
				event.Field,
				string(findingsJSON),
				event.Detail,
			},
		})
	if err != nil {
		l.logger.Error("audit event dropped",
			"category", event.Category,
			"error", err,
		)
	}
}

// Recent returns up to limit events, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	conn, err := l.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.put(conn)

	var events []Event
	err = sqlitex.Execute(conn, `SELECT time, category, severity,
		element_kind, element_name, field, findings, detail
		FROM security_events ORDER BY time DESC, id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				event := Event{
					Time:        time.Unix(0, stmt.ColumnInt64(0)),
					Category:    stmt.ColumnText(1),
					Severity:    stmt.ColumnText(2),
					ElementKind: stmt.ColumnText(3),
					ElementName: stmt.ColumnText(4),
					Field:       stmt.ColumnText(5),
					Detail:      stmt.ColumnText(7),
				}
				if raw := stmt.ColumnText(6); raw != "" && raw != "[]" {
					if err := json.Unmarshal([]byte(raw), &event.Findings); err != nil {
						return fmt.Errorf("audit: decoding findings: %w", err)
					}
				}
				events = append(events, event)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return events, nil
}

// CountBySeverity returns the number of events at each severity since
// the given time. Severities with no events are absent from the map.
func (l *Log) CountBySeverity(ctx context.Context, since time.Time) (map[string]int, error) {
	conn, err := l.pool.take(ctx)
	if err != nil {
		return nil, err
	}
	defer l.pool.put(conn)

	counts := make(map[string]int)
	err = sqlitex.Execute(conn, `SELECT severity, COUNT(*)
		FROM security_events WHERE time >= ? GROUP BY severity`,
		&sqlitex.ExecOptions{
			Args: []any{since.UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnText(0)] = stmt.ColumnInt(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: count by severity: %w", err)
	}
	return counts, nil
}

// Prune deletes events older than the cutoff and returns how many were
// removed.
func (l *Log) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	conn, err := l.pool.take(ctx)
	if err != nil {
		return 0, err
	}
	defer l.pool.put(conn)

	err = sqlitex.Execute(conn,
		"DELETE FROM security_events WHERE time < ?",
		&sqlitex.ExecOptions{Args: []any{cutoff.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}

	removed := conn.Changes()
	if removed > 0 {
		l.logger.Info("audit events pruned",
			"removed", removed,
			"cutoff", cutoff,
		)
	}
	return removed, nil
}

// Close closes the underlying connection pool.
func (l *Log) Close() error {
	return l.pool.close()
}
