// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package keylock provides per-key mutual exclusion with FIFO
// fairness and context-bounded acquisition.
//
// The portfolio serializes writes per element: two saves of
// "persona/creative-writer" must not interleave, while saves of
// unrelated elements proceed in parallel. A Manager hands out one
// Lease per key at a time. Contending acquirers queue in arrival
// order and ownership transfers directly from the releaser to the
// head of the queue, so a steady stream of new acquirers cannot
// starve an old waiter.
//
// Acquisition honors context cancellation and deadlines. A caller
// that gives up leaves the queue without disturbing the order of the
// waiters behind it; if the grant and the cancellation race, the
// grant is passed on to the next waiter and the caller still gets
// the timeout error.
//
// Locks are process-local. Exclusion against other processes is the
// portfolio root guard's job, not this package's.
package keylock
