// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// logPragmas tune every connection for the event-log workload: an
// embedded, append-mostly table with occasional operator queries. WAL
// keeps Recent and CountBySeverity readable while Record appends;
// journal_size_limit truncates the WAL file back down after a burst of
// events so a long-lived log does not carry the growth forever.
var logPragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA journal_size_limit=4194304",
	"PRAGMA cache_size=-2048",
	"PRAGMA temp_store=MEMORY",
}

// connPool is the audit log's connection pool: a small fixed set of
// SQLite connections with the log pragmas and schema applied before
// first use. The pool is safe for concurrent use; an individual
// connection belongs to one goroutine between take and put.
type connPool struct {
	inner  *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// openPool opens the database at path, creating it if needed.
// Connections are prepared lazily on first take.
func openPool(path string, size int, logger *slog.Logger) (*connPool, error) {
	inner, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: size,
		PrepareConn: func(conn *sqlite.Conn) error {
			for _, pragma := range logPragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, logSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	logger.Debug("audit database opened", "path", path, "pool_size", size)
	return &connPool{inner: inner, logger: logger, path: path}, nil
}

// take borrows a connection, blocking until one is free or ctx ends.
// The caller must put it back.
func (p *connPool) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := p.inner.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: take connection: %w", err)
	}
	return conn, nil
}

func (p *connPool) put(conn *sqlite.Conn) {
	p.inner.Put(conn)
}

// close blocks until every borrowed connection is returned.
func (p *connPool) close() error {
	if err := p.inner.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", p.path, err)
	}
	p.logger.Debug("audit database closed", "path", p.path)
	return nil
}
