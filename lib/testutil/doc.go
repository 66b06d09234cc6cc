// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared helpers for concurrency tests.
//
// Lock-manager and store tests coordinate goroutines through
// channels: a waiter signals that it holds a lock, a test releases it,
// a granted goroutine reports its position. Every such wait needs a
// timeout safety valve so a regression hangs the test with a message
// instead of hanging the whole run. [RequireReceive], [RequireSend],
// and [RequireClosed] encapsulate that select-with-timeout pattern.
package testutil
