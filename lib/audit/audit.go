// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"io"
	"log/slog"
	"time"
)

// Event categories. Each names the subsystem decision that produced
// the event, not the mechanism that detected it.
const (
	// CategoryContentRejected: a document or field was refused
	// outright because of a high or critical severity pattern match.
	CategoryContentRejected = "content-rejected"

	// CategoryContentSanitized: medium severity matches were replaced
	// with a placeholder and the document was accepted in altered form.
	CategoryContentSanitized = "content-sanitized"

	// CategoryUnicodeFinding: normalization altered or flagged the
	// text (bidi controls, zero-width characters, homograph folding,
	// mixed-script content).
	CategoryUnicodeFinding = "unicode-finding"

	// CategoryParseRejected: a document failed structural parsing
	// (oversized metadata block, forbidden YAML constructs, schema
	// violations).
	CategoryParseRejected = "parse-rejected"

	// CategoryTriggerRejected: trigger extraction dropped or
	// truncated candidates. The document itself was accepted.
	CategoryTriggerRejected = "trigger-rejected"

	// CategoryLockTimeout: a writer gave up waiting for a per-element
	// lock.
	CategoryLockTimeout = "lock-timeout"

	// CategoryIndexCorruption: the capability index failed to load
	// and was rebuilt from stored elements.
	CategoryIndexCorruption = "index-corruption"

	// CategoryIntegrityDrift: a stored document's bytes no longer
	// match the digest recorded when it was last written. Something
	// edited the file outside the store.
	CategoryIntegrityDrift = "integrity-drift"

	// CategoryRestoreRejected: a snapshot entry failed digest or
	// validation checks during restore and was not written.
	CategoryRestoreRejected = "restore-rejected"
)

// Event severities, ordered low to critical. These mirror the content
// scanner's severity grades as plain strings so this package stays a
// leaf dependency.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Event is one security-relevant occurrence. Zero-value fields are
// omitted from logs and stored as empty strings.
type Event struct {
	// Time is when the event occurred. Sinks that persist events fill
	// a zero Time from their own clock.
	Time time.Time

	// Category is one of the Category* constants.
	Category string

	// Severity is one of the Severity* constants.
	Severity string

	// ElementKind and ElementName identify the element involved, when
	// known. Events from free-standing validation leave them empty.
	ElementKind string
	ElementName string

	// Field names the document field that tripped validation, when
	// the finding is field-scoped ("name", "description", "content").
	Field string

	// Findings lists the identifiers that fired: pattern family names
	// from the content scanner, finding codes from the normalizer.
	Findings []string

	// Detail carries short human-readable context. Never the blocked
	// content itself.
	Detail string
}

// Sink receives events. Implementations must be safe for concurrent
// use and must not panic; recording is fire-and-forget.
type Sink interface {
	Record(event Event)
}

// SlogSink writes events to a structured logger. Low severity events
// log at Info, medium at Warn, high and critical at Error.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink backed by the given logger. A nil logger
// discards events.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SlogSink{logger: logger}
}

// Record implements Sink.
func (s *SlogSink) Record(event Event) {
	attrs := make([]any, 0, 12)
	attrs = append(attrs, "category", event.Category, "severity", event.Severity)
	if event.ElementKind != "" {
		attrs = append(attrs, "kind", event.ElementKind)
	}
	if event.ElementName != "" {
		attrs = append(attrs, "name", event.ElementName)
	}
	if event.Field != "" {
		attrs = append(attrs, "field", event.Field)
	}
	if len(event.Findings) > 0 {
		attrs = append(attrs, "findings", event.Findings)
	}
	if event.Detail != "" {
		attrs = append(attrs, "detail", event.Detail)
	}

	switch event.Severity {
	case SeverityLow:
		s.logger.Info("security event", attrs...)
	case SeverityMedium:
		s.logger.Warn("security event", attrs...)
	default:
		s.logger.Error("security event", attrs...)
	}
}

// Discard returns a sink that drops every event. Useful as a default
// when no sink is configured.
func Discard() Sink {
	return discardSink{}
}

type discardSink struct{}

func (discardSink) Record(Event) {}

// Fanout returns a sink that forwards every event to each of the given
// sinks in order. Nil sinks are skipped.
func Fanout(sinks ...Sink) Sink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return fanoutSink{sinks: kept}
}

type fanoutSink struct {
	sinks []Sink
}

func (f fanoutSink) Record(event Event) {
	for _, s := range f.sinks {
		s.Record(event)
	}
}
