// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package element

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MaxNameBytes bounds element names. Names become file names, so the
// bound also keeps paths within platform limits.
const MaxNameBytes = 100

// MaxTags bounds the tags list; MaxTagBytes bounds a single tag.
const (
	MaxTags     = 20
	MaxTagBytes = 50
)

// Categories enumerates the allowed category values. An empty
// category is valid (uncategorized).
func Categories() []string {
	return []string{"creative", "professional", "educational", "gaming", "personal"}
}

// semverShape matches the semantic-version subset accepted in the
// version field: MAJOR.MINOR.PATCH with optional pre-release and build
// suffixes.
var semverShape = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+(?:-[0-9A-Za-z.-]+)?(?:\+[0-9A-Za-z.-]+)?$`)

// digestShape matches a lowercase hex BLAKE3 digest.
var digestShape = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Metadata is the parsed metadata block of an element document. All
// values are plain scalars or lists of scalars; the parser guarantees
// no constructed objects reach this struct.
type Metadata struct {
	// Name identifies the element within its kind (and, for
	// date-partitioned kinds, within its partition). Required.
	Name string `yaml:"name"`

	// Description is a short human-readable summary.
	Description string `yaml:"description,omitempty"`

	// Version is a semantic version string. Optional; when present it
	// must match MAJOR.MINOR.PATCH with optional suffixes.
	Version string `yaml:"version,omitempty"`

	// Author is free-form attribution.
	Author string `yaml:"author,omitempty"`

	// Category is one of Categories, or empty.
	Category string `yaml:"category,omitempty"`

	// Price is a marketplace display string ("free", "$4.99").
	Price string `yaml:"price,omitempty"`

	// Created and Updated are RFC 3339 timestamps maintained by the
	// store. Optional on input; the store fills them on save.
	Created string `yaml:"created,omitempty"`
	Updated string `yaml:"updated,omitempty"`

	// ContentDigest is the hex BLAKE3 digest of the document body,
	// maintained by the store on save and verified on load. Optional;
	// hand-authored documents simply have no drift detection until
	// their first save.
	ContentDigest string `yaml:"content_digest,omitempty"`

	// Triggers is the sanitized action-trigger list. The parser runs
	// the trigger extractor over the authored list and stores the
	// survivors here, so a loaded element never carries more than
	// trigger.MaxTriggers entries. Schema validation leaves the
	// entries alone; per-entry rules live in the extractor.
	Triggers []string `yaml:"triggers,omitempty"`

	// Tags are free-form descriptive labels for search and display.
	// Unlike triggers they are never matched against actions; schema
	// validation only bounds their count and size.
	Tags []string `yaml:"tags,omitempty"`

	// AutoLoad marks a memory for loading at session start. Nil means
	// the author never set the field, which is distinct from an
	// explicit false.
	AutoLoad *bool `yaml:"autoLoad,omitempty"`

	// Priority orders memories when AutoLoad competes for context
	// budget. Higher loads first. Meaningful for memories only.
	Priority int `yaml:"priority,omitempty"`

	// Extra carries fields outside the known schema as opaque
	// strings. The parser populates it; the serializer writes the
	// keys back out in sorted order. Values never become typed
	// objects.
	Extra map[string]string `yaml:"-"`
}

// Validate checks structural constraints. It does not apply security
// limits; the content scanner does that in the parsing pipeline.
func (m *Metadata) Validate() error {
	if m.Name == "" {
		return errors.New("metadata: name is required")
	}
	if len(m.Name) > MaxNameBytes {
		return fmt.Errorf("metadata: name exceeds %d bytes", MaxNameBytes)
	}
	// Names become file names. Path syntax in a name is a traversal
	// attempt, not a naming choice.
	if strings.ContainsAny(m.Name, `/\`) || strings.HasPrefix(m.Name, ".") {
		return fmt.Errorf("metadata: name %q contains path syntax", m.Name)
	}

	if m.Version != "" {
		if len(m.Version) > 64 {
			return errors.New("metadata: version exceeds 64 bytes")
		}
		if !semverShape.MatchString(m.Version) {
			return fmt.Errorf("metadata: version %q is not a semantic version", m.Version)
		}
	}

	if m.Category != "" {
		valid := false
		for _, c := range Categories() {
			if m.Category == c {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("metadata: unknown category %q", m.Category)
		}
	}

	if len(m.Tags) > MaxTags {
		return fmt.Errorf("metadata: tags exceed %d entries", MaxTags)
	}
	for i, tag := range m.Tags {
		if tag == "" {
			return fmt.Errorf("metadata: tags[%d] is empty", i)
		}
		if len(tag) > MaxTagBytes {
			return fmt.Errorf("metadata: tags[%d] exceeds %d bytes", i, MaxTagBytes)
		}
	}

	if m.ContentDigest != "" && !digestShape.MatchString(m.ContentDigest) {
		return errors.New("metadata: content_digest is not a 64-character hex digest")
	}

	if m.Created != "" {
		if _, err := time.Parse(time.RFC3339, m.Created); err != nil {
			return fmt.Errorf("metadata: created: %w", err)
		}
	}
	if m.Updated != "" {
		if _, err := time.Parse(time.RFC3339, m.Updated); err != nil {
			return fmt.Errorf("metadata: updated: %w", err)
		}
	}

	if m.Priority < 0 {
		return fmt.Errorf("metadata: priority must be >= 0, got %d", m.Priority)
	}

	return nil
}

// Equal reports whether two metadata blocks are identical, including
// the Extra bucket.
func (m *Metadata) Equal(other *Metadata) bool {
	if m.Name != other.Name ||
		m.Description != other.Description ||
		m.Version != other.Version ||
		m.Author != other.Author ||
		m.Category != other.Category ||
		m.Price != other.Price ||
		m.Created != other.Created ||
		m.Updated != other.Updated ||
		m.ContentDigest != other.ContentDigest ||
		m.Priority != other.Priority {
		return false
	}
	// A set AutoLoad never equals an unset one, even when false.
	if (m.AutoLoad == nil) != (other.AutoLoad == nil) {
		return false
	}
	if m.AutoLoad != nil && *m.AutoLoad != *other.AutoLoad {
		return false
	}
	if len(m.Triggers) != len(other.Triggers) {
		return false
	}
	for i := range m.Triggers {
		if m.Triggers[i] != other.Triggers[i] {
			return false
		}
	}
	if len(m.Tags) != len(other.Tags) {
		return false
	}
	for i := range m.Tags {
		if m.Tags[i] != other.Tags[i] {
			return false
		}
	}
	if len(m.Extra) != len(other.Extra) {
		return false
	}
	for k, v := range m.Extra {
		if other.Extra[k] != v {
			return false
		}
	}
	return true
}
