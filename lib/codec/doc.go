// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the project-standard CBOR encoding
// configuration.
//
// The portfolio uses two serialization formats with a clear boundary:
//
//   - YAML (the restricted schema) for everything a person may open
//     in an editor: element documents, memory files, and the
//     capability index.
//   - CBOR for machine-only state: the manifest inside a portfolio
//     snapshot archive.
//
// This package provides the shared CBOR encoding and decoding modes
// so the snapshot layer encodes identically everywhere without
// duplicating configuration. The encoder uses Core Deterministic
// Encoding (RFC 8949 §4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. The same portfolio state
// always produces byte-identical manifest bytes, which keeps snapshot
// digests stable across runs.
//
// The decoder is configured for input that may not come from this
// process: a snapshot archive can be carried between machines, so
// manifests decode under the same restraint the YAML side applies to
// documents: bounded nesting, and a mapping never names the same
// field twice.
//
// Usage:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types encoded by this package are CBOR-only and carry `cbor` struct
// tags. Never add a `json` tag to a snapshot type: the tag choice
// documents which serialization a type participates in.
package codec
