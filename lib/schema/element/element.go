// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package element

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the element type. Kinds determine the storage layout (which
// directory, whether date-partitioned) and which metadata fields are
// meaningful.
type Kind string

const (
	KindPersona  Kind = "persona"
	KindSkill    Kind = "skill"
	KindTemplate Kind = "template"
	KindAgent    Kind = "agent"
	KindMemory   Kind = "memory"
	KindEnsemble Kind = "ensemble"
)

// Kinds returns all element kinds in listing order.
func Kinds() []Kind {
	return []Kind{
		KindPersona,
		KindSkill,
		KindTemplate,
		KindAgent,
		KindMemory,
		KindEnsemble,
	}
}

// ParseKind converts a string to a Kind, rejecting unknown values.
func ParseKind(s string) (Kind, error) {
	kind := Kind(s)
	if !kind.Valid() {
		return "", fmt.Errorf("unknown element kind %q", s)
	}
	return kind, nil
}

// Valid reports whether the kind is one of the known set.
func (k Kind) Valid() bool {
	switch k {
	case KindPersona, KindSkill, KindTemplate, KindAgent, KindMemory, KindEnsemble:
		return true
	default:
		return false
	}
}

// DatePartitioned reports whether documents of this kind live under
// YYYY-MM-DD subdirectories. Memories accumulate daily, so they are
// partitioned; everything else is flat.
func (k Kind) DatePartitioned() bool {
	return k == KindMemory
}

// MemoryEntry is one timestamped body inside a memory element. Memory
// documents hold a list of entries instead of a single content body.
type MemoryEntry struct {
	// At is when the entry was recorded, RFC 3339.
	At string `yaml:"at"`

	// Content is the entry text.
	Content string `yaml:"content"`
}

// Validate checks the entry's structural constraints.
func (e *MemoryEntry) Validate() error {
	if e.At == "" {
		return errors.New("memory entry: at is required")
	}
	if _, err := time.Parse(time.RFC3339, e.At); err != nil {
		return fmt.Errorf("memory entry: at: %w", err)
	}
	if e.Content == "" {
		return errors.New("memory entry: content is required")
	}
	return nil
}

// Element is one stored unit: metadata plus content. For memory
// elements the content lives in Entries; for every other kind it is
// the single Content body.
type Element struct {
	Kind     Kind
	Metadata Metadata

	// Content is the markdown body for non-memory kinds. Empty for
	// memories.
	Content string

	// Entries holds the timestamped bodies of a memory element, in
	// recorded order. Empty for non-memory kinds.
	Entries []MemoryEntry
}

// Validate checks the element's structural constraints, including the
// kind-specific content shape.
func (el *Element) Validate() error {
	if !el.Kind.Valid() {
		return fmt.Errorf("element: unknown kind %q", el.Kind)
	}
	if err := el.Metadata.Validate(); err != nil {
		return fmt.Errorf("element %s/%s: %w", el.Kind, el.Metadata.Name, err)
	}

	if el.Kind == KindMemory {
		if el.Content != "" {
			return fmt.Errorf("element %s/%s: memory elements carry entries, not a content body",
				el.Kind, el.Metadata.Name)
		}
		for i := range el.Entries {
			if err := el.Entries[i].Validate(); err != nil {
				return fmt.Errorf("element %s/%s: entries[%d]: %w",
					el.Kind, el.Metadata.Name, i, err)
			}
		}
		return nil
	}

	if len(el.Entries) > 0 {
		return fmt.Errorf("element %s/%s: entries are only valid for memory elements",
			el.Kind, el.Metadata.Name)
	}
	return nil
}
