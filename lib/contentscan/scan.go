// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package contentscan

import (
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/audit"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/regexguard"
)

// DefaultMaxContentBytes caps the total text size one scan will
// accept. Larger text is rejected before any pattern runs.
const DefaultMaxContentBytes = 500000

// MediumAction selects what happens to text with medium-severity
// findings and nothing worse.
type MediumAction int

const (
	// MediumSanitize replaces matched spans with Placeholder and
	// accepts the altered text. The default.
	MediumSanitize MediumAction = iota

	// MediumReject refuses the text outright, for callers that prefer
	// refusal over alteration.
	MediumReject
)

// Policy is the configurable part of the verdict boundary. High and
// critical findings always reject; low findings always pass through.
type Policy struct {
	MediumAction MediumAction
}

// Source identifies where scanned text came from, for audit events.
// All fields are optional.
type Source struct {
	Kind  string
	Name  string
	Field string
}

// Options configures a Scanner. The zero value is usable: default
// catalog, sanitize on medium, default size cap, no logging.
type Options struct {
	Policy Policy

	// MaxContentBytes overrides DefaultMaxContentBytes when positive.
	MaxContentBytes int

	// ExtraPatterns extends the default catalog. Entries are
	// classified and compiled exactly like built-in ones.
	ExtraPatterns []Pattern

	// Logger receives soft-time-budget warnings and low-severity
	// finding notices. If nil, a no-op logger is used.
	Logger *slog.Logger

	// Sink receives an audit event for every sanitized or rejected
	// verdict. If nil, events are discarded.
	Sink audit.Sink
}

type compiledPattern struct {
	id       string
	severity Severity
	risk     regexguard.Risk
	re       *regexp.Regexp
}

// Scanner evaluates the pattern catalog over text. Construct with
// NewScanner; the zero value is not usable. Safe for concurrent use.
type Scanner struct {
	policy          Policy
	maxContentBytes int
	patterns        []compiledPattern
	logger          *slog.Logger
	sink            audit.Sink
}

// NewScanner compiles and classifies the catalog. It returns an error
// if any pattern fails to compile, carries a bad severity, or
// classifies as dangerous under regexguard. A dangerous shape in the
// catalog is a bug, not a configuration choice.
func NewScanner(opts Options) (*Scanner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sink := opts.Sink
	if sink == nil {
		sink = audit.Discard()
	}
	maxContentBytes := opts.MaxContentBytes
	if maxContentBytes <= 0 {
		maxContentBytes = DefaultMaxContentBytes
	}

	catalog := DefaultCatalog()
	catalog = append(catalog, opts.ExtraPatterns...)

	patterns := make([]compiledPattern, 0, len(catalog))
	seen := make(map[string]bool, len(catalog))
	for _, p := range catalog {
		if p.ID == "" || p.Expr == "" {
			return nil, fmt.Errorf("contentscan: pattern with empty ID or expression")
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("contentscan: duplicate pattern ID %q", p.ID)
		}
		seen[p.ID] = true
		if p.Severity < SeverityLow || p.Severity > SeverityCritical {
			return nil, fmt.Errorf("contentscan: pattern %s: invalid severity %d", p.ID, p.Severity)
		}

		classification := regexguard.Classify(p.Expr)
		if classification.Dangerous() {
			return nil, fmt.Errorf("contentscan: pattern %s: %w: signals %s",
				p.ID, regexguard.ErrDangerousPattern,
				strings.Join(classification.Signals, ", "))
		}

		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("contentscan: pattern %s: %w", p.ID, err)
		}

		patterns = append(patterns, compiledPattern{
			id:       p.ID,
			severity: p.Severity,
			risk:     classification.Risk,
			re:       re,
		})
	}

	return &Scanner{
		policy:          opts.Policy,
		maxContentBytes: maxContentBytes,
		patterns:        patterns,
		logger:          logger,
		sink:            sink,
	}, nil
}

// Scan evaluates every catalog pattern over text and returns the
// verdict under the scanner's policy. The text must already be
// normalized (see the normalize package).
func (s *Scanner) Scan(text string, source Source) Verdict {
	return s.scan(text, source, s.policy, false)
}

// ScanStrict evaluates like Scan but medium findings reject regardless
// of the scanner's policy. For text that must never be altered, such
// as a metadata block before it is parsed.
func (s *Scanner) ScanStrict(text string, source Source) Verdict {
	return s.scan(text, source, Policy{MediumAction: MediumReject}, false)
}

// ScanDetect evaluates like Scan but never alters text: high and
// critical findings still reject, while medium findings pass through
// recorded on the verdict. For callers that sanitize at a finer
// granularity afterwards, such as memory entries embedded in a
// metadata block.
func (s *Scanner) ScanDetect(text string, source Source) Verdict {
	return s.scan(text, source, s.policy, true)
}

func (s *Scanner) scan(text string, source Source, policy Policy, detectOnly bool) Verdict {
	if len(text) > s.maxContentBytes {
		verdict := Verdict{
			Outcome:  OutcomeRejected,
			Severity: SeverityHigh,
			Findings: []string{FindingContentTooLarge},
		}
		s.report(verdict, source)
		return verdict
	}

	var (
		findings []string
		highest  Severity
		spans    [][2]int
	)

	for i := range s.patterns {
		p := &s.patterns[i]

		start := time.Now()
		var matched bool
		if p.severity == SeverityMedium {
			// Medium matches may need replacing, so collect spans.
			locations := p.re.FindAllStringIndex(text, -1)
			matched = len(locations) > 0
			for _, loc := range locations {
				spans = append(spans, [2]int{loc[0], loc[1]})
			}
		} else {
			matched = p.re.MatchString(text)
		}
		if elapsed := time.Since(start); elapsed > regexguard.SoftTimeBudget {
			s.logger.Warn("pattern evaluation exceeded soft time budget",
				"pattern", p.id,
				"risk", string(p.risk),
				"elapsed", elapsed,
				"input_bytes", len(text),
			)
		}

		if matched {
			findings = append(findings, p.id)
			if p.severity > highest {
				highest = p.severity
			}
		}
	}

	verdict := Verdict{Severity: highest, Findings: findings}
	switch {
	case highest >= SeverityHigh:
		verdict.Outcome = OutcomeRejected
	case highest == SeverityMedium && detectOnly:
		verdict.Outcome = OutcomeAllow
		verdict.Sanitized = text
	case highest == SeverityMedium && policy.MediumAction == MediumReject:
		verdict.Outcome = OutcomeRejected
	case highest == SeverityMedium:
		verdict.Outcome = OutcomeSanitized
		verdict.Sanitized = replaceSpans(text, spans)
	default:
		verdict.Outcome = OutcomeAllow
		verdict.Sanitized = text
	}

	s.report(verdict, source)
	return verdict
}

// ValidateField applies the field's length and character-set limits,
// then pattern-scans the value. Fields are identifiers or
// near-identifiers: altering them breaks identity, so medium findings
// reject instead of sanitizing. Returns nil or a *SecurityError.
func (s *Scanner) ValidateField(source Source, field, value string) error {
	rule, known := fieldRules[field]
	maxLength := rule.maxLength
	if !known {
		maxLength = defaultFieldMaxLength
	}

	if len(value) > maxLength {
		violation := &SecurityError{
			Severity: SeverityMedium,
			Findings: []string{FindingLengthLimit},
			Field:    field,
		}
		s.sink.Record(audit.Event{
			Category:    audit.CategoryContentRejected,
			Severity:    audit.SeverityMedium,
			ElementKind: source.Kind,
			ElementName: source.Name,
			Field:       field,
			Findings:    violation.Findings,
			Detail:      fmt.Sprintf("%d bytes, limit %d", len(value), maxLength),
		})
		return violation
	}

	if rule.allowed != nil {
		for _, r := range value {
			if !rule.allowed(r) {
				violation := &SecurityError{
					Severity: SeverityMedium,
					Findings: []string{FindingCharacterSet},
					Field:    field,
				}
				s.sink.Record(audit.Event{
					Category:    audit.CategoryContentRejected,
					Severity:    audit.SeverityMedium,
					ElementKind: source.Kind,
					ElementName: source.Name,
					Field:       field,
					Findings:    violation.Findings,
					Detail:      "allowed: " + rule.label,
				})
				return violation
			}
		}
	}

	source.Field = field
	verdict := s.scan(value, source, Policy{MediumAction: MediumReject}, false)
	if verdict.Outcome == OutcomeRejected {
		return &SecurityError{
			Severity: verdict.Severity,
			Findings: verdict.Findings,
			Field:    field,
		}
	}
	return nil
}

// report emits the audit event for a verdict. Allowed text with low
// findings is logged but not audited; the findings still reach the
// caller through the verdict.
func (s *Scanner) report(verdict Verdict, source Source) {
	switch verdict.Outcome {
	case OutcomeRejected:
		s.sink.Record(audit.Event{
			Category:    audit.CategoryContentRejected,
			Severity:    verdict.Severity.String(),
			ElementKind: source.Kind,
			ElementName: source.Name,
			Field:       source.Field,
			Findings:    verdict.Findings,
		})
	case OutcomeSanitized:
		s.sink.Record(audit.Event{
			Category:    audit.CategoryContentSanitized,
			Severity:    verdict.Severity.String(),
			ElementKind: source.Kind,
			ElementName: source.Name,
			Field:       source.Field,
			Findings:    verdict.Findings,
		})
	case OutcomeAllow:
		if len(verdict.Findings) > 0 {
			s.logger.Debug("content findings below rejection threshold",
				"kind", source.Kind,
				"name", source.Name,
				"field", source.Field,
				"findings", verdict.Findings,
			)
		}
	}
}

// replaceSpans substitutes Placeholder for each span. Overlapping and
// adjacent spans collapse into one placeholder so sanitized output
// does not stutter.
func replaceSpans(text string, spans [][2]int) string {
	if len(spans) == 0 {
		return text
	}

	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] < spans[j][1]
	})

	merged := spans[:1]
	for _, span := range spans[1:] {
		last := &merged[len(merged)-1]
		if span[0] <= last[1] {
			if span[1] > last[1] {
				last[1] = span[1]
			}
			continue
		}
		merged = append(merged, span)
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, span := range merged {
		b.WriteString(text[prev:span[0]])
		b.WriteString(Placeholder)
		prev = span[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}

// Field length and character-set rules. Unknown fields get a generic
// length cap and no character restriction.
const defaultFieldMaxLength = 1000

type fieldRule struct {
	maxLength int
	allowed   func(rune) bool
	label     string
}

var fieldRules = map[string]fieldRule{
	"name":        {maxLength: 100, allowed: nameRune, label: "letters, digits, spaces, and ._-"},
	"description": {maxLength: 500},
	"author":      {maxLength: 100},
	"version":     {maxLength: 32, allowed: versionRune, label: "letters, digits, and .+-"},
	"category":    {maxLength: 50, allowed: categoryRune, label: "letters, digits, spaces, and -"},
	"price":       {maxLength: 20, allowed: priceRune, label: "letters, digits, spaces, and .$"},
}

// Name characters are restricted to what survives as a filename on
// every platform the portfolio syncs to.
func nameRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == ' ' || r == '.' || r == '_' || r == '-'
}

func versionRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
		r == '.' || r == '+' || r == '-'
}

func categoryRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
		r == ' ' || r == '-'
}

func priceRune(r rune) bool {
	return r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
		r == ' ' || r == '.' || r == '$'
}
