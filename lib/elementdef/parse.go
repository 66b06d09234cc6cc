// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package elementdef

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/audit"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/contentscan"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/normalize"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/trigger"
)

// Default size bounds, overridable through Options.
const (
	DefaultMaxDocumentBytes = 1 << 20
	DefaultMaxMetadataBytes = 64 << 10
)

// Unknown metadata field names share the name field's length cap.
const maxFieldNameBytes = 100

// Options configures a Parser.
type Options struct {
	// Scanner applies the pattern catalog to metadata blocks, field
	// values, and document bodies. Required.
	Scanner *contentscan.Scanner

	// Logger receives parse diagnostics. If nil, a no-op logger is
	// used.
	Logger *slog.Logger

	// Sink receives audit events for rejected documents, unicode
	// findings, and trigger filtering. If nil, events are discarded.
	Sink audit.Sink

	// MaxDocumentBytes and MaxMetadataBytes override the defaults
	// when positive.
	MaxDocumentBytes int
	MaxMetadataBytes int
}

// Parser runs the document admission pipeline. Construct with
// NewParser. Safe for concurrent use.
type Parser struct {
	scanner          *contentscan.Scanner
	logger           *slog.Logger
	sink             audit.Sink
	maxDocumentBytes int
	maxMetadataBytes int
}

// NewParser returns a Parser over the given scanner.
func NewParser(opts Options) (*Parser, error) {
	if opts.Scanner == nil {
		return nil, errors.New("elementdef: Scanner is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sink := opts.Sink
	if sink == nil {
		sink = audit.Discard()
	}
	maxDocument := opts.MaxDocumentBytes
	if maxDocument <= 0 {
		maxDocument = DefaultMaxDocumentBytes
	}
	maxMetadata := opts.MaxMetadataBytes
	if maxMetadata <= 0 {
		maxMetadata = DefaultMaxMetadataBytes
	}
	return &Parser{
		scanner:          opts.Scanner,
		logger:           logger,
		sink:             sink,
		maxDocumentBytes: maxDocument,
		maxMetadataBytes: maxMetadata,
	}, nil
}

// Document is a parsed element plus everything the pipeline learned
// while admitting it.
type Document struct {
	Kind     element.Kind
	Metadata element.Metadata
	Content  string
	Entries  []element.MemoryEntry

	// Findings aggregates normalization findings and low-severity
	// scan findings for text that was still accepted.
	Findings []string

	// Sanitized reports whether any text was altered under the
	// scanner's medium policy.
	Sanitized bool

	// Triggers is the full extraction report. Metadata.Triggers holds
	// only the survivors.
	Triggers trigger.Result
}

// Element returns the schema view of the document.
func (d *Document) Element() *element.Element {
	return &element.Element{
		Kind:     d.Kind,
		Metadata: d.Metadata,
		Content:  d.Content,
		Entries:  d.Entries,
	}
}

// Parse admits raw document bytes through the full pipeline:
// normalization, block isolation, pre-parse pattern scan, restricted
// schema decoding, field validation, trigger extraction, and body
// scanning. On success the Document holds normalized, policy-clean
// text. Structural failures return *ParseError; policy failures
// return *contentscan.SecurityError.
func (p *Parser) Parse(kind element.Kind, raw []byte) (*Document, error) {
	if !kind.Valid() {
		return nil, &ParseError{Section: "document", Detail: fmt.Sprintf("unknown element kind %q", kind)}
	}
	if len(raw) > p.maxDocumentBytes {
		secErr := &contentscan.SecurityError{
			Severity: contentscan.SeverityHigh,
			Findings: []string{FindingDocumentSize},
		}
		p.reportRejected(kind, secErr, "document size cap")
		return nil, secErr
	}

	// Normalize before splitting. A zero-width character hidden in a
	// "---" line must not move the block boundary between this parse
	// and a later parse of the stored text.
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	result := normalize.Normalize(text)
	text = result.Text
	if len(result.Findings) > 0 {
		p.sink.Record(audit.Event{
			Category:    audit.CategoryUnicodeFinding,
			Severity:    audit.SeverityLow,
			ElementKind: string(kind),
			Findings:    result.Findings,
		})
	}
	findings := appendUnique(nil, result.Findings...)

	var block, body string
	if kind == element.KindMemory {
		block = text
	} else {
		var perr *ParseError
		block, body, perr = splitFrontmatter(text)
		if perr != nil {
			p.reportParseFailure(kind, perr.Detail)
			return nil, perr
		}
	}

	if len(block) > p.maxMetadataBytes {
		secErr := &contentscan.SecurityError{
			Severity: contentscan.SeverityHigh,
			Findings: []string{FindingMetadataSize},
			Field:    "metadata",
		}
		p.reportRejected(kind, secErr, "metadata size cap")
		return nil, secErr
	}

	// Pattern-scan the block before the YAML decoder touches it.
	// Metadata is never sanitized: altering YAML text and then
	// parsing it is as unsound as not scanning it at all. For
	// memories the block holds entry contents too, so medium
	// findings pass through here and the per-entry scans below apply
	// the configured policy.
	blockSource := contentscan.Source{Kind: string(kind), Field: "metadata"}
	var blockVerdict contentscan.Verdict
	if kind == element.KindMemory {
		blockVerdict = p.scanner.ScanDetect(block, blockSource)
	} else {
		blockVerdict = p.scanner.ScanStrict(block, blockSource)
	}
	if blockVerdict.Outcome == contentscan.OutcomeRejected {
		return nil, &contentscan.SecurityError{
			Severity: blockVerdict.Severity,
			Findings: blockVerdict.Findings,
			Field:    "metadata",
		}
	}
	findings = appendUnique(findings, blockVerdict.Findings...)

	var root yaml.Node
	if err := yaml.Unmarshal([]byte(block), &root); err != nil {
		p.reportParseFailure(kind, "invalid YAML")
		return nil, &ParseError{Section: "metadata", Detail: "invalid YAML", Err: err}
	}
	if root.Kind == 0 || len(root.Content) == 0 {
		p.reportParseFailure(kind, "empty metadata block")
		return nil, &ParseError{Section: "metadata", Detail: "empty metadata block"}
	}
	if secErr := walkRestricted(&root, 0); secErr != nil {
		p.reportRejected(kind, secErr, "restricted schema violation")
		return nil, secErr
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		p.reportParseFailure(kind, "metadata is not a mapping")
		return nil, &ParseError{Section: "metadata", Detail: "metadata must be a mapping"}
	}

	doc := &Document{Kind: kind, Findings: findings}
	rawTriggers, perr := buildMetadata(kind, mapping, doc)
	if perr != nil {
		p.reportParseFailure(kind, "schema violation")
		return nil, perr
	}

	if err := doc.Element().Validate(); err != nil {
		p.reportParseFailure(kind, "schema validation failed")
		return nil, &ParseError{Section: "metadata", Err: err}
	}

	source := contentscan.Source{Kind: string(kind), Name: doc.Metadata.Name}
	fields := []struct{ name, value string }{
		{"name", doc.Metadata.Name},
		{"description", doc.Metadata.Description},
		{"author", doc.Metadata.Author},
		{"version", doc.Metadata.Version},
		{"category", doc.Metadata.Category},
		{"price", doc.Metadata.Price},
	}
	for _, field := range fields {
		if field.value == "" {
			continue
		}
		if err := p.scanner.ValidateField(source, field.name, field.value); err != nil {
			return nil, err
		}
	}
	for i, tag := range doc.Metadata.Tags {
		if err := p.scanner.ValidateField(source, fmt.Sprintf("tags[%d]", i), tag); err != nil {
			return nil, err
		}
	}
	for _, key := range sortedKeys(doc.Metadata.Extra) {
		if value := doc.Metadata.Extra[key]; value != "" {
			if err := p.scanner.ValidateField(source, key, value); err != nil {
				return nil, err
			}
		}
	}

	doc.Triggers = trigger.Extract(rawTriggers)
	doc.Metadata.Triggers = doc.Triggers.Triggers
	if !doc.Triggers.Clean() {
		p.reportTriggerFiltering(source, &doc.Triggers)
	}

	if kind == element.KindMemory {
		for i := range doc.Entries {
			entrySource := source
			entrySource.Field = fmt.Sprintf("entries[%d]", i)
			verdict := p.scanner.Scan(doc.Entries[i].Content, entrySource)
			switch verdict.Outcome {
			case contentscan.OutcomeRejected:
				return nil, &contentscan.SecurityError{
					Severity: verdict.Severity,
					Findings: verdict.Findings,
					Field:    entrySource.Field,
				}
			case contentscan.OutcomeSanitized:
				doc.Entries[i].Content = verdict.Sanitized
				doc.Sanitized = true
			}
			doc.Findings = appendUnique(doc.Findings, verdict.Findings...)
		}
	} else if body != "" {
		bodySource := source
		bodySource.Field = "content"
		verdict := p.scanner.Scan(body, bodySource)
		switch verdict.Outcome {
		case contentscan.OutcomeRejected:
			return nil, &contentscan.SecurityError{
				Severity: verdict.Severity,
				Findings: verdict.Findings,
				Field:    "content",
			}
		case contentscan.OutcomeSanitized:
			doc.Content = verdict.Sanitized
			doc.Sanitized = true
		default:
			doc.Content = body
		}
		doc.Findings = appendUnique(doc.Findings, verdict.Findings...)
	}

	p.logger.Debug("document parsed",
		"kind", string(kind),
		"name", doc.Metadata.Name,
		"sanitized", doc.Sanitized,
		"triggers", len(doc.Metadata.Triggers),
	)
	return doc, nil
}

// buildMetadata fills doc from the mapping node. The authored trigger
// list comes back raw so the extractor can account for every
// candidate, including non-strings.
func buildMetadata(kind element.Kind, mapping *yaml.Node, doc *Document) ([]any, *ParseError) {
	var rawTriggers []any
	seen := make(map[string]bool, len(mapping.Content)/2)

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		key := mapping.Content[i].Value
		value := mapping.Content[i+1]
		if seen[key] {
			return nil, &ParseError{Section: "metadata", Detail: fmt.Sprintf("duplicate field %q", key)}
		}
		seen[key] = true

		switch key {
		case "name", "description", "version", "author", "category", "price",
			"created", "updated", "content_digest":
			text, perr := scalarText("metadata."+key, value)
			if perr != nil {
				return nil, perr
			}
			*stringField(&doc.Metadata, key) = text

		case "kind":
			text, perr := scalarText("metadata.kind", value)
			if perr != nil {
				return nil, perr
			}
			declared, err := element.ParseKind(text)
			if err != nil {
				return nil, &ParseError{Section: "metadata.kind", Err: err}
			}
			if declared != kind {
				return nil, &ParseError{Section: "metadata.kind",
					Detail: fmt.Sprintf("document declares kind %q but is stored as %q", text, kind)}
			}

		case "triggers":
			if value.Kind != yaml.SequenceNode {
				return nil, &ParseError{Section: "metadata.triggers", Detail: "expected a sequence"}
			}
			for j, item := range value.Content {
				var candidate any
				if err := item.Decode(&candidate); err != nil {
					return nil, &ParseError{Section: fmt.Sprintf("metadata.triggers[%d]", j), Err: err}
				}
				rawTriggers = append(rawTriggers, candidate)
			}

		case "tags":
			if value.Kind != yaml.SequenceNode {
				return nil, &ParseError{Section: "metadata.tags", Detail: "expected a sequence"}
			}
			for j, item := range value.Content {
				text, perr := scalarText(fmt.Sprintf("metadata.tags[%d]", j), item)
				if perr != nil {
					return nil, perr
				}
				doc.Metadata.Tags = append(doc.Metadata.Tags, text)
			}

		case "autoLoad":
			var flag bool
			if err := value.Decode(&flag); err != nil {
				return nil, &ParseError{Section: "metadata.autoLoad", Detail: "expected a boolean", Err: err}
			}
			doc.Metadata.AutoLoad = &flag

		case "priority":
			if err := value.Decode(&doc.Metadata.Priority); err != nil {
				return nil, &ParseError{Section: "metadata.priority", Detail: "expected an integer", Err: err}
			}

		case "entries":
			if kind != element.KindMemory {
				return nil, &ParseError{Section: "metadata.entries", Detail: fmt.Sprintf("entries are not valid for kind %q", kind)}
			}
			entries, perr := decodeEntries(value)
			if perr != nil {
				return nil, perr
			}
			doc.Entries = entries

		default:
			if len(key) > maxFieldNameBytes {
				return nil, &ParseError{Section: "metadata", Detail: "field name too long"}
			}
			text, perr := opaqueValue("metadata."+key, value)
			if perr != nil {
				return nil, perr
			}
			if doc.Metadata.Extra == nil {
				doc.Metadata.Extra = make(map[string]string)
			}
			doc.Metadata.Extra[key] = text
		}
	}
	return rawTriggers, nil
}

func stringField(m *element.Metadata, key string) *string {
	switch key {
	case "name":
		return &m.Name
	case "description":
		return &m.Description
	case "version":
		return &m.Version
	case "author":
		return &m.Author
	case "category":
		return &m.Category
	case "price":
		return &m.Price
	case "created":
		return &m.Created
	case "updated":
		return &m.Updated
	case "content_digest":
		return &m.ContentDigest
	}
	return nil
}

// scalarText extracts the text of a scalar node. Null becomes the
// empty string; any other scalar keeps its literal text regardless of
// resolved tag, so "version: 1.2" and `version: "1.2"` read the same.
func scalarText(section string, node *yaml.Node) (string, *ParseError) {
	if node.Kind != yaml.ScalarNode {
		return "", &ParseError{Section: section, Detail: "expected a scalar value"}
	}
	if node.ShortTag() == "!!null" {
		return "", nil
	}
	return node.Value, nil
}

func decodeEntries(node *yaml.Node) ([]element.MemoryEntry, *ParseError) {
	if node.Kind != yaml.SequenceNode {
		return nil, &ParseError{Section: "metadata.entries", Detail: "expected a sequence"}
	}
	entries := make([]element.MemoryEntry, 0, len(node.Content))
	for i, item := range node.Content {
		section := fmt.Sprintf("metadata.entries[%d]", i)
		if item.Kind != yaml.MappingNode {
			return nil, &ParseError{Section: section, Detail: "expected a mapping"}
		}
		var entry element.MemoryEntry
		for j := 0; j+1 < len(item.Content); j += 2 {
			key := item.Content[j].Value
			value := item.Content[j+1]
			switch key {
			case "at":
				text, perr := scalarText(section+".at", value)
				if perr != nil {
					return nil, perr
				}
				entry.At = text
			case "content":
				text, perr := scalarText(section+".content", value)
				if perr != nil {
					return nil, perr
				}
				entry.Content = text
			default:
				return nil, &ParseError{Section: section, Detail: fmt.Sprintf("unknown field %q", key)}
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// opaqueValue renders an unknown field as a string. Scalars keep
// their literal text; containers are re-marshaled, so the value
// survives round-trips without ever becoming a typed object.
func opaqueValue(section string, node *yaml.Node) (string, *ParseError) {
	if node.Kind == yaml.ScalarNode {
		if node.ShortTag() == "!!null" {
			return "", nil
		}
		return node.Value, nil
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return "", &ParseError{Section: section, Err: err}
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// reportRejected audits a security rejection raised by the parser
// itself. Scanner verdicts carry their own audit events.
func (p *Parser) reportRejected(kind element.Kind, secErr *contentscan.SecurityError, detail string) {
	p.sink.Record(audit.Event{
		Category:    audit.CategoryParseRejected,
		Severity:    secErr.Severity.String(),
		ElementKind: string(kind),
		Field:       secErr.Field,
		Findings:    secErr.Findings,
		Detail:      detail,
	})
}

func (p *Parser) reportParseFailure(kind element.Kind, detail string) {
	p.sink.Record(audit.Event{
		Category:    audit.CategoryParseRejected,
		Severity:    audit.SeverityMedium,
		ElementKind: string(kind),
		Detail:      detail,
	})
}

func (p *Parser) reportTriggerFiltering(source contentscan.Source, result *trigger.Result) {
	var reasons []string
	for _, rejection := range result.Rejected {
		reasons = appendUnique(reasons, "trigger-"+string(rejection.Reason))
	}
	if len(result.Truncated) > 0 {
		reasons = appendUnique(reasons, "trigger-truncated")
	}
	if result.Overflow > 0 {
		reasons = appendUnique(reasons, "trigger-overflow")
	}
	p.sink.Record(audit.Event{
		Category:    audit.CategoryTriggerRejected,
		Severity:    audit.SeverityLow,
		ElementKind: source.Kind,
		ElementName: source.Name,
		Field:       "triggers",
		Findings:    reasons,
		Detail: fmt.Sprintf("%d accepted, %d rejected, %d truncated, %d over cap",
			len(result.Triggers), len(result.Rejected), len(result.Truncated), result.Overflow),
	})
}

func appendUnique(list []string, items ...string) []string {
	for _, item := range items {
		present := false
		for _, existing := range list {
			if existing == item {
				present = true
				break
			}
		}
		if !present {
			list = append(list, item)
		}
	}
	return list
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
