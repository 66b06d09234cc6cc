// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package normalize canonicalizes untrusted text before any other
// validator sees it. Every downstream check (the security pattern
// catalog, field validation, trigger extraction) operates on
// normalized text only; this is a precondition of the pipeline, not
// optional hardening.
//
// Normalization runs five steps in a fixed order:
//
//  1. Strip bidirectional control characters (RLO, LRO, isolates,
//     marks). These reorder displayed text so that what a reviewer
//     reads is not what the bytes say.
//  2. Strip zero-width characters (ZWSP, ZWNJ, ZWJ, word joiner,
//     zero-width no-break space) used to split trigger words or hide
//     payloads inside innocuous-looking identifiers.
//  3. Apply Unicode canonical composition (NFC) so visually identical
//     sequences compare equal.
//  4. Fold known homograph code points (Cyrillic and Greek
//     look-alikes) to their Latin equivalents when the surrounding
//     token is otherwise Latin, flagging the substitution, then
//     recompose so a folded base and its combining mark come out as
//     a single NFC code point.
//  5. Flag, but never alter, legitimate multi-script content such
//     as CJK text mixed with English.
//
// Normalize is idempotent: applying it to its own output changes
// nothing and reports no new findings.
package normalize
