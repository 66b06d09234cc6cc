// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package portfolio is the element store: the on-disk home of a
// user's personas, skills, templates, agents, memories, and
// ensembles, plus the service facade the command layer talks to.
//
// Layout. Each kind lives in a plural directory under the portfolio
// root (personas/, skills/, ...). Memories are date-partitioned:
// memories/<YYYY-MM-DD>/<name>.yaml, with the partition fixed when
// the memory is first saved. The capability index and the advisory
// guard file sit at the root alongside them.
//
// Admission. Every load runs the full document pipeline (Unicode
// normalization, content scanning, restricted-schema parsing) and
// every save re-admits the serialized form through the same pipeline
// before bytes reach disk, so nothing rejectable is ever persisted.
// Saves also stamp a BLAKE3 content digest into the metadata; loads
// verify it and report drift (an external edit) as an audit event
// without failing the load.
//
// Concurrency. Mutations run under per-element FIFO locks from
// lib/keylock, writes go through lib/atomicfile, and a flock(2) guard
// on .portfolio.lock keeps a second process from opening the same
// root. Reads take no locks: the atomic rename discipline means a
// reader always sees a complete document.
//
// Snapshots. Store.Snapshot packs every document plus a CBOR manifest
// into a compressed (optionally sealed) envelope; Store.Restore
// verifies the envelope, every digest, and every document through the
// full admission pipeline before writing anything back.
package portfolio
