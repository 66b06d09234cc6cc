// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package dochash computes BLAKE3 digests of element documents and
// snapshot payloads. The portfolio records a document digest in each
// stored element so external edits are detectable on the next load;
// snapshot manifests record payload digests so a restore can verify
// integrity before touching the store.
//
// The two digest families use keyed hashing with distinct domain
// keys, so a digest computed over one kind of content can never be
// replayed as the other.
package dochash
