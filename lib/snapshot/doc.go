// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot implements the portfolio snapshot archive format.
//
// A snapshot carries every document in a portfolio plus a manifest
// describing them, packed into a single file that can be copied to
// another machine and restored. The format is layered:
//
//	header | body
//
// The fixed header records the format version, the compression
// algorithm, whether the body is sealed, the uncompressed payload
// size, and (for unsealed snapshots) a BLAKE3 digest of the payload.
// The payload is a tar stream built by the portfolio layer: the
// manifest first, then one entry per document. The manifest is
// deterministic CBOR (lib/codec) and records a per-document BLAKE3
// digest, so a restore can verify each document before it is parsed.
//
// The body is the payload compressed with the configured algorithm
// (none, lz4, or zstd). When a seal key is provided the compressed
// body is additionally encrypted with XChaCha20-Poly1305 under a key
// derived from the key file via HKDF-SHA256; the header is bound as
// additional authenticated data, so neither the body nor the header
// can be altered without detection. Sealing is for snapshots that
// leave the machine. It is keyed by a key file, not a passphrase:
// the key file should hold at least 32 bytes of random data.
//
// Integrity is verified at three layers on restore: the envelope
// (header digest or AEAD tag), the manifest (per-document digests),
// and finally the full document validation pipeline, which re-parses
// every document before anything is written to the portfolio.
package snapshot
