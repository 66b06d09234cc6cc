// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package contentscan decides whether element text is safe to persist.
//
// A [Scanner] runs a catalog of pattern families over normalized text:
// system-role override markers, instruction-override phrasing,
// exfiltration phrasing, shell execution syntax, credential-shaped
// tokens, path traversal, and deserialization type tags. Each family
// carries a severity; the verdict is the maximum severity matched.
//
//   - critical or high: the text is rejected outright. Rejected text
//     is never sanitized, because a document that tried to smuggle an
//     instruction override is not improved by deleting the evidence.
//   - medium: matched spans are replaced with [Placeholder] and the
//     text is accepted in altered form. Policy can escalate medium to
//     rejection for callers that prefer refusal over alteration.
//   - low: the text is accepted unchanged and the finding recorded.
//
// Scanners must only ever see normalized text (see the normalize
// package). Scanning text that still contains zero-width characters or
// homograph substitutions gives an attacker a trivial bypass: the
// pattern sees "pаypal" while the reader sees "paypal".
//
// Every catalog pattern is classified by the regexguard package at
// construction time, and [NewScanner] refuses a catalog containing a
// dangerous pattern shape. Go's RE2 engine evaluates in linear time,
// so the sweep itself is bounded by the total content cap rather than
// per-pattern input caps; the classification step exists to keep the
// catalog honest and portable.
//
// Field validation ([Scanner.ValidateField]) applies length and
// character-set limits before any pattern runs. Length checks are O(1)
// and bound the cost of everything downstream.
package contentscan
