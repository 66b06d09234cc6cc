// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile writes files so readers never observe a partial
// or torn state.
//
// WriteFile stages content in a temporary sibling, fsyncs it, and
// renames it over the destination. Rename within one directory is
// atomic on POSIX filesystems, so a concurrent reader sees either
// the old bytes or the new bytes, never a mixture. The parent
// directory is synced afterwards so the rename itself survives a
// power loss.
//
// Element documents, the capability index, and snapshot manifests
// all go to disk through this package.
package atomicfile
