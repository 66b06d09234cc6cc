// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"fmt"
	"strings"
)

const (
	// MaxTriggers caps the accepted list. Candidates beyond this are
	// dropped before per-item filtering and reported in
	// Result.Overflow.
	MaxTriggers = 20

	// MaxLength caps one trigger in bytes. Longer valid candidates
	// are truncated, not rejected.
	MaxLength = 50
)

// RejectReason explains why a candidate was dropped.
type RejectReason string

const (
	// ReasonNonString: the candidate was a number, boolean, null, or
	// collection. Values are never coerced to strings.
	ReasonNonString RejectReason = "non-string"

	// ReasonEmpty: the candidate was empty after trimming whitespace.
	ReasonEmpty RejectReason = "empty"

	// ReasonCharset: the candidate contained a character outside
	// [A-Za-z0-9_-].
	ReasonCharset RejectReason = "character-set"
)

// Rejection is one dropped candidate.
type Rejection struct {
	// Index is the candidate's position in the considered list.
	Index int

	// Value is a display form of the candidate for logging, capped at
	// 64 bytes. Non-string candidates render via fmt.
	Value string

	// Reason is why the candidate was dropped.
	Reason RejectReason
}

// Truncation records a candidate that was accepted after being cut to
// MaxLength.
type Truncation struct {
	// Index is the candidate's position in the considered list.
	Index int

	// Value is the accepted, truncated trigger.
	Value string

	// OriginalLength is the candidate's byte length before the cut.
	OriginalLength int
}

// Result is the outcome of one extraction. The accounting invariant
// holds for every input: len(Triggers) + len(Rejected) equals the
// number of considered candidates, which is min(MaxTriggers, input
// length). Truncated entries are accepted, so they count in Triggers.
type Result struct {
	// Triggers is the sanitized list, in input order.
	Triggers []string

	// Rejected lists dropped candidates with reasons.
	Rejected []Rejection

	// Truncated lists accepted candidates that were cut to MaxLength.
	Truncated []Truncation

	// Overflow is how many candidates beyond MaxTriggers were dropped
	// unconsidered. Reported as truncation to the caller.
	Overflow int
}

// Clean reports whether extraction accepted everything it was given
// unaltered.
func (r *Result) Clean() bool {
	return len(r.Rejected) == 0 && len(r.Truncated) == 0 && r.Overflow == 0
}

// Extract filters a raw candidate list down to the bounded, sanitized
// trigger list. Candidates come in as decoded YAML values: strings
// survive filtering, everything else is rejected as non-string.
//
// Rules, in order per candidate: non-strings are rejected; whitespace
// is trimmed; empty-after-trim is rejected; any character outside
// [A-Za-z0-9_-] rejects; anything longer than MaxLength is truncated
// and recorded. The candidate list itself is cut to MaxTriggers before
// filtering.
func Extract(candidates []any) Result {
	var result Result

	considered := candidates
	if len(considered) > MaxTriggers {
		result.Overflow = len(considered) - MaxTriggers
		considered = considered[:MaxTriggers]
	}

	for i, raw := range considered {
		value, isString := raw.(string)
		if !isString {
			result.Rejected = append(result.Rejected, Rejection{
				Index:  i,
				Value:  displayForm(raw),
				Reason: ReasonNonString,
			})
			continue
		}

		value = strings.TrimSpace(value)
		if value == "" {
			result.Rejected = append(result.Rejected, Rejection{
				Index:  i,
				Reason: ReasonEmpty,
			})
			continue
		}

		if !charsetOK(value) {
			result.Rejected = append(result.Rejected, Rejection{
				Index:  i,
				Value:  displayForm(value),
				Reason: ReasonCharset,
			})
			continue
		}

		if len(value) > MaxLength {
			original := len(value)
			value = value[:MaxLength]
			result.Truncated = append(result.Truncated, Truncation{
				Index:          i,
				Value:          value,
				OriginalLength: original,
			})
		}

		result.Triggers = append(result.Triggers, value)
	}

	return result
}

// ValidToken reports whether s is a well-formed trigger token:
// non-empty, at most MaxLength bytes, charset [A-Za-z0-9_-].
// Extraction only ever produces valid tokens; index queries and
// persisted index entries are checked against the same rules.
func ValidToken(s string) bool {
	return s != "" && len(s) <= MaxLength && charsetOK(s)
}

// charsetOK reports whether every byte is in [A-Za-z0-9_-]. Multibyte
// runes fail byte-wise, which is the intent: triggers are ASCII.
func charsetOK(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '_' || b == '-':
		default:
			return false
		}
	}
	return true
}

// displayForm renders a candidate for log lines, capped so a hostile
// candidate cannot bloat the audit trail.
func displayForm(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
