// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package contentscan

import (
	"fmt"
	"strings"
)

// Severity grades a finding. Ordered: comparisons like s >= SeverityHigh
// are meaningful.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "none"
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// Outcome is the scanner's decision for one piece of text.
type Outcome int

const (
	// OutcomeAllow: the text may be persisted as-is.
	OutcomeAllow Outcome = iota

	// OutcomeSanitized: the text may be persisted only in the altered
	// form carried in Verdict.Sanitized.
	OutcomeSanitized

	// OutcomeRejected: the text must not be persisted in any form.
	OutcomeRejected
)

// String returns the lowercase outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeSanitized:
		return "sanitized"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Placeholder replaces medium-severity match spans during
// sanitization. The bracketed form survives markdown rendering, so a
// reader of the altered document can see that something was removed.
const Placeholder = "[CONTENT_BLOCKED]"

// Findings reported by checks that are not catalog patterns.
const (
	// FindingContentTooLarge: the text exceeded the scanner's total
	// content cap and was rejected before any pattern ran.
	FindingContentTooLarge = "content-too-large"

	// FindingLengthLimit: a field exceeded its length limit.
	FindingLengthLimit = "length-limit"

	// FindingCharacterSet: a field contained a character outside its
	// allowed set.
	FindingCharacterSet = "character-set"
)

// Verdict is the result of one scan.
type Verdict struct {
	// Outcome is the decision. Severity is the maximum severity among
	// the findings, SeverityNone when nothing matched.
	Outcome  Outcome
	Severity Severity

	// Findings lists the pattern family identifiers that matched, in
	// catalog order, each at most once.
	Findings []string

	// Sanitized is the text to persist: the input unchanged for
	// OutcomeAllow, the altered text for OutcomeSanitized, empty for
	// OutcomeRejected.
	Sanitized string
}

// SecurityError reports content refused by validation. Callers that
// need the severity or the individual findings unwrap it with
// errors.As.
type SecurityError struct {
	// Severity of the worst finding.
	Severity Severity

	// Findings lists the identifiers that fired.
	Findings []string

	// Field names the document field involved, empty for whole-text
	// scans.
	Field string
}

// Error implements error.
func (e *SecurityError) Error() string {
	what := "content"
	if e.Field != "" {
		what = fmt.Sprintf("field %q", e.Field)
	}
	if len(e.Findings) == 0 {
		return fmt.Sprintf("%s rejected (severity %s)", what, e.Severity)
	}
	return fmt.Sprintf("%s rejected (severity %s): %s",
		what, e.Severity, strings.Join(e.Findings, ", "))
}
