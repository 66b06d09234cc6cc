// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger derives the bounded, sanitized action-trigger list
// from an element's authored metadata.
//
// Triggers answer "which elements handle action X?", so they end up as
// keys in the capability index and as match candidates against user
// text. That position makes them the most attacker-reachable strings
// in an element document, and the rules here are correspondingly
// blunt: ASCII word characters only, fifty bytes apiece, twenty per
// element, no coercion of non-string entries.
//
// Extraction never fails a document. Each bad candidate is rejected
// individually and reported in the [Result] so the caller can log it
// with the owning element's identity; the good candidates survive.
//
// Extract assumes its input came through the Unicode normalizer
// already, as all document text does. A homograph like "pаypal"
// (Cyrillic а) reaches this package as "paypal" with the substitution
// flagged upstream; anything still outside the ASCII set here is
// genuinely foreign and is rejected, not folded.
package trigger
