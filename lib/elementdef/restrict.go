// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package elementdef

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/contentscan"
)

// MaxMetadataDepth caps container nesting inside a metadata block.
// The top-level mapping is depth 1.
const MaxMetadataDepth = 8

// MaxMetadataNodes caps the total node count in one metadata block,
// keys included. A full 64 KiB block of real metadata, even a memory
// with hundreds of entries, stays well below this; only flow-syntax
// node bombs like "[a,a,a,..." approach it.
const MaxMetadataNodes = 10000

// Finding identifiers for restricted-schema violations.
const (
	FindingForbiddenTag = "forbidden-tag"
	FindingYAMLAlias    = "yaml-alias"
	FindingYAMLAnchor   = "yaml-anchor"
	FindingMappingKey   = "non-string-key"
	FindingNestingDepth = "nesting-depth"
	FindingNodeCount    = "node-count"
	FindingMetadataSize = "metadata-too-large"
	FindingDocumentSize = "document-too-large"
)

// splitFrontmatter separates the metadata block from the body. The
// document must open with a "---" line; the block runs to the next
// "---" line. The newline ending the closing delimiter line is the
// separator, so the body starts immediately after it.
func splitFrontmatter(text string) (block, body string, err *ParseError) {
	if !strings.HasPrefix(text, "---\n") {
		return "", "", &ParseError{Section: "document", Detail: "missing metadata block delimiter"}
	}
	// The scan starts at the opening line's newline so that newline
	// can begin the closing delimiter too: "---\n---\n" is an empty
	// block, not an unterminated one.
	rest := text[len("---"):]

	for offset := 0; ; {
		idx := strings.Index(rest[offset:], "\n---")
		if idx < 0 {
			return "", "", &ParseError{Section: "document", Detail: "unterminated metadata block"}
		}
		end := offset + idx
		after := rest[end+len("\n---"):]
		switch {
		case after == "":
			// Closing delimiter at end of file, no body.
			return rest[1 : end+1], "", nil
		case strings.HasPrefix(after, "\n"):
			return rest[1 : end+1], after[1:], nil
		default:
			// A line that merely starts with "---" (such as "----")
			// is metadata content, not a delimiter.
			offset = end + 1
		}
	}
}

// Scalar tags the restricted schema admits. Everything else (binary,
// merge keys, any language-specific constructor tag) rejects the
// document.
func allowedScalarTag(tag string) bool {
	switch tag {
	case "!!str", "!!int", "!!float", "!!bool", "!!null", "!!timestamp":
		return true
	}
	return false
}

// walkRestricted enforces the restricted schema over a decoded node
// tree before any value is extracted from it. depth counts container
// nesting; pass 0 for the document node.
func walkRestricted(node *yaml.Node, depth int) *contentscan.SecurityError {
	budget := MaxMetadataNodes
	return walkNode(node, depth, &budget)
}

// spendNode consumes one unit of the node budget.
func spendNode(budget *int) *contentscan.SecurityError {
	*budget--
	if *budget < 0 {
		return &contentscan.SecurityError{
			Severity: contentscan.SeverityMedium,
			Findings: []string{FindingNodeCount},
			Field:    "metadata",
		}
	}
	return nil
}

func walkNode(node *yaml.Node, depth int, budget *int) *contentscan.SecurityError {
	if err := spendNode(budget); err != nil {
		return err
	}
	if node.Kind == yaml.DocumentNode {
		for _, child := range node.Content {
			if err := walkNode(child, depth, budget); err != nil {
				return err
			}
		}
		return nil
	}
	if node.Kind == yaml.AliasNode {
		return &contentscan.SecurityError{
			Severity: contentscan.SeverityHigh,
			Findings: []string{FindingYAMLAlias},
			Field:    "metadata",
		}
	}
	if node.Anchor != "" {
		return &contentscan.SecurityError{
			Severity: contentscan.SeverityHigh,
			Findings: []string{FindingYAMLAnchor},
			Field:    "metadata",
		}
	}

	switch node.Kind {
	case yaml.ScalarNode:
		if !allowedScalarTag(node.ShortTag()) {
			return &contentscan.SecurityError{
				Severity: contentscan.SeverityCritical,
				Findings: []string{FindingForbiddenTag},
				Field:    "metadata",
			}
		}

	case yaml.MappingNode, yaml.SequenceNode:
		next := depth + 1
		if next > MaxMetadataDepth {
			return &contentscan.SecurityError{
				Severity: contentscan.SeverityMedium,
				Findings: []string{FindingNestingDepth},
				Field:    "metadata",
			}
		}
		if tag := node.ShortTag(); tag != "!!map" && tag != "!!seq" {
			return &contentscan.SecurityError{
				Severity: contentscan.SeverityCritical,
				Findings: []string{FindingForbiddenTag},
				Field:    "metadata",
			}
		}
		if node.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(node.Content); i += 2 {
				key := node.Content[i]
				if err := spendNode(budget); err != nil {
					return err
				}
				if key.Kind != yaml.ScalarNode || key.ShortTag() != "!!str" {
					return &contentscan.SecurityError{
						Severity: contentscan.SeverityHigh,
						Findings: []string{FindingMappingKey},
						Field:    "metadata",
					}
				}
				if key.Anchor != "" {
					return &contentscan.SecurityError{
						Severity: contentscan.SeverityHigh,
						Findings: []string{FindingYAMLAnchor},
						Field:    "metadata",
					}
				}
				if err := walkNode(node.Content[i+1], next, budget); err != nil {
					return err
				}
			}
		} else {
			for _, child := range node.Content {
				if err := walkNode(child, next, budget); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
