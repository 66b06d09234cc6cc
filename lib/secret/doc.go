// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret provides a memory-safe buffer for key material.
//
// [Buffer] allocates memory outside the Go heap via
// mmap(MAP_ANONYMOUS), locks it into physical RAM via mlock
// (preventing swap), and marks it excluded from core dumps via
// madvise(MADV_DONTDUMP). On Close, the memory is zeroed, unlocked,
// and unmapped. Because the memory lives outside the Go heap, the
// garbage collector cannot copy or relocate it, so the key does not
// linger in memory after release.
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer of a given size
//   - [NewFromBytes] copies into protected memory, zeros the source
//   - [ReadFile] loads a key file from disk
//
// Access via [Buffer.Bytes], which returns a slice into the mmap
// region. After Close, any access panics. Close is idempotent.
//
// Depends on golang.org/x/sys/unix only. Imported by lib/snapshot,
// which holds snapshot sealing keys here for the duration of an
// archive or restore.
package secret
