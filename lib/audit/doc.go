// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit records security-relevant events from validation and
// storage: rejected content, sanitized spans, suspicious Unicode,
// malformed documents, lock timeouts. Every rejection that a caller
// sees as an error also produces an audit event, so operators can
// reconstruct what was blocked and why without re-running validation.
//
// The package defines a small [Event] record and a [Sink] interface
// with three implementations: [SlogSink] writes events to a structured
// logger, [Log] persists them to a local SQLite database for later
// querying, and [Fanout] dispatches to several sinks at once. Sinks
// are fire-and-forget: recording never fails the operation that
// triggered it, and a broken sink degrades to a logged error.
//
// Events carry finding identifiers (pattern family names, normalizer
// finding codes), never the blocked content itself. Raw rejected text
// stays out of logs and databases so the audit trail cannot become a
// second copy of the thing that was refused.
//
// The SQLite log runs on a small internal connection pool tuned for an
// append-mostly event table: WAL journal mode so operator queries do
// not block recording, NORMAL synchronous, and a bounded WAL size.
// Losing the tail of the log on an OS crash is acceptable where
// blocking the write path is not.
package audit
