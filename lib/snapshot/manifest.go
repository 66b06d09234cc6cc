// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"fmt"
	"strings"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/dochash"
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// ManifestFilename is the name of the manifest entry inside the
// snapshot tar. It is always the first entry, so a restore can read
// it before deciding what to do with the documents that follow.
const ManifestFilename = "manifest.cbor"

// Manifest describes the contents of a snapshot. It is encoded as
// deterministic CBOR, so the same portfolio state always produces
// the same manifest bytes.
type Manifest struct {
	// Version is the manifest format version.
	Version int `cbor:"version"`

	// CreatedAt is when the snapshot was taken, in Unix nanoseconds.
	CreatedAt int64 `cbor:"created_at"`

	// Elements lists every document in the snapshot, in the order
	// the documents appear in the tar.
	Elements []Entry `cbor:"elements"`
}

// Entry describes a single document in a snapshot.
type Entry struct {
	// Kind is the element kind ("persona", "skill", ...). The
	// snapshot layer treats it as an opaque label; the portfolio
	// validates it against the known kinds on restore.
	Kind string `cbor:"kind"`

	// Name is the element name.
	Name string `cbor:"name"`

	// Path is the document's path relative to the portfolio root,
	// and its path within the tar. Always forward slashes.
	Path string `cbor:"path"`

	// Size is the document's byte length.
	Size int64 `cbor:"size"`

	// Digest is the document-domain BLAKE3 digest of the document
	// bytes.
	Digest []byte `cbor:"digest"`
}

// DocumentDigest returns the entry's digest as a [dochash.Digest].
// Returns an error if the stored digest is not exactly 32 bytes.
func (e *Entry) DocumentDigest() (dochash.Digest, error) {
	var digest dochash.Digest
	if len(e.Digest) != len(digest) {
		return digest, fmt.Errorf("entry %s digest is %d bytes, want %d", e.Path, len(e.Digest), len(digest))
	}
	copy(digest[:], e.Digest)
	return digest, nil
}

// Validate checks the manifest's structural invariants. It does not
// verify digests against document bytes; that happens during
// restore, one document at a time.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return fmt.Errorf("snapshot manifest version %d is not supported (this code supports version %d)",
			m.Version, ManifestVersion)
	}

	seen := make(map[string]bool, len(m.Elements))
	for i := 0; i < len(m.Elements); i++ {
		entry := &m.Elements[i]
		if entry.Kind == "" {
			return fmt.Errorf("manifest entry %d has empty kind", i)
		}
		if entry.Name == "" {
			return fmt.Errorf("manifest entry %d has empty name", i)
		}
		if err := validateEntryPath(entry.Path); err != nil {
			return fmt.Errorf("manifest entry %d: %w", i, err)
		}
		if seen[entry.Path] {
			return fmt.Errorf("manifest entry %d duplicates path %s", i, entry.Path)
		}
		seen[entry.Path] = true
		if entry.Size < 0 {
			return fmt.Errorf("manifest entry %d has negative size %d", i, entry.Size)
		}
		if len(entry.Digest) != 32 {
			return fmt.Errorf("manifest entry %d digest is %d bytes, want 32", i, len(entry.Digest))
		}
	}
	return nil
}

// validateEntryPath rejects paths that could escape the portfolio
// root when a restore writes them back out. A manifest is untrusted
// input: it may have been edited between snapshot and restore.
func validateEntryPath(entryPath string) error {
	if entryPath == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(entryPath, "/") {
		return fmt.Errorf("absolute path %q", entryPath)
	}
	if strings.Contains(entryPath, `\`) {
		return fmt.Errorf("backslash in path %q", entryPath)
	}
	for _, segment := range strings.Split(entryPath, "/") {
		switch segment {
		case "":
			return fmt.Errorf("empty segment in path %q", entryPath)
		case ".", "..":
			return fmt.Errorf("relative segment in path %q", entryPath)
		}
	}
	return nil
}
