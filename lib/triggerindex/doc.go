// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package triggerindex maintains the capability index: the persisted
// map from trigger tokens to the elements that declare them, plus
// per-trigger usage metrics (lifetime count, first/last used, daily
// buckets, trend).
//
// The index is derived state; stored elements are the source of
// truth. A missing or corrupt index file is therefore never fatal:
// Open falls back to a full Rebuild from the element source, records
// an audit event for the corruption, and carries on. A failed rebuild
// leaves the previous index file in place.
//
// Every operation runs under a single resource key (the index file
// path) in the portfolio's lock manager, so concurrent usage updates
// to the same trigger are FIFO-serialized while element operations on
// other keys proceed in parallel.
//
// The index file itself is the same restricted document schema as the
// elements: plain scalars, sequences, and string-keyed maps. It lives
// at the portfolio root and is safe to read by hand.
package triggerindex
