// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package regexguard classifies regular expression patterns by
// worst-case matching cost and bounds input length before any pattern
// is evaluated against untrusted content.
//
// The element pipeline runs a catalog of security patterns over
// user-authored documents. A hostile document cannot choose the
// patterns, but it chooses the input, and a hostile pattern
// contributor (or a future catalog edit) could introduce an expression
// whose cost explodes on adversarial input. Synchronous matching
// cannot be interrupted once started, so the only reliable mitigation
// is structural: inspect the pattern source for danger signals (nested
// quantifiers, quantified alternation, overlapping alternation) and
// cap the input size inversely to the risk before evaluation begins.
//
// Go's regexp package guarantees linear-time matching, which removes
// catastrophic backtracking as a local threat. The classification is
// kept anyway: the caps bound worst-case linear scans over large
// documents, and the same catalog strings may be evaluated by hosts
// whose engines do backtrack.
package regexguard
