// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bytes"
	"testing"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/codec"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/dochash"
)

func validManifest() *Manifest {
	creative := []byte("# Creative Writer\n\nA persona for drafting fiction.\n")
	review := []byte("# Code Review\n\nA skill for reviewing pull requests.\n")
	creativeDigest := dochash.SumDocument(creative)
	reviewDigest := dochash.SumDocument(review)

	return &Manifest{
		Version:   ManifestVersion,
		CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		Elements: []Entry{
			{
				Kind:   "persona",
				Name:   "creative-writer",
				Path:   "personas/creative-writer.md",
				Size:   int64(len(creative)),
				Digest: creativeDigest[:],
			},
			{
				Kind:   "skill",
				Name:   "code-review",
				Path:   "skills/code-review.md",
				Size:   int64(len(review)),
				Digest: reviewDigest[:],
			},
		},
	}
}

func TestManifestValidate(t *testing.T) {
	if err := validManifest().Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}
}

func TestManifestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(m *Manifest)
	}{
		{"future version", func(m *Manifest) { m.Version = ManifestVersion + 1 }},
		{"zero version", func(m *Manifest) { m.Version = 0 }},
		{"empty kind", func(m *Manifest) { m.Elements[0].Kind = "" }},
		{"empty name", func(m *Manifest) { m.Elements[0].Name = "" }},
		{"empty path", func(m *Manifest) { m.Elements[0].Path = "" }},
		{"absolute path", func(m *Manifest) { m.Elements[0].Path = "/etc/passwd" }},
		{"backslash path", func(m *Manifest) { m.Elements[0].Path = `personas\writer.md` }},
		{"dot segment", func(m *Manifest) { m.Elements[0].Path = "personas/./writer.md" }},
		{"parent segment", func(m *Manifest) { m.Elements[0].Path = "../outside.md" }},
		{"empty segment", func(m *Manifest) { m.Elements[0].Path = "personas//writer.md" }},
		{"duplicate path", func(m *Manifest) { m.Elements[1].Path = m.Elements[0].Path }},
		{"negative size", func(m *Manifest) { m.Elements[0].Size = -1 }},
		{"short digest", func(m *Manifest) { m.Elements[0].Digest = m.Elements[0].Digest[:16] }},
		{"nil digest", func(m *Manifest) { m.Elements[0].Digest = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			manifest := validManifest()
			tc.mutate(manifest)
			if err := manifest.Validate(); err == nil {
				t.Error("Validate accepted an invalid manifest")
			}
		})
	}
}

func TestManifestCBORRoundTrip(t *testing.T) {
	manifest := validManifest()

	encoded, err := codec.Marshal(manifest)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	// Deterministic encoding: the same manifest always serializes to
	// the same bytes.
	again, err := codec.Marshal(manifest)
	if err != nil {
		t.Fatalf("second Marshal failed: %v", err)
	}
	if !bytes.Equal(encoded, again) {
		t.Error("manifest encoding is not deterministic")
	}

	var decoded Manifest
	if err := codec.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if err := decoded.Validate(); err != nil {
		t.Fatalf("decoded manifest invalid: %v", err)
	}
	if decoded.Version != manifest.Version || decoded.CreatedAt != manifest.CreatedAt {
		t.Error("round trip altered manifest metadata")
	}
	if len(decoded.Elements) != len(manifest.Elements) {
		t.Fatalf("round trip produced %d elements, want %d", len(decoded.Elements), len(manifest.Elements))
	}
	for i := range decoded.Elements {
		got, want := decoded.Elements[i], manifest.Elements[i]
		if got.Kind != want.Kind || got.Name != want.Name || got.Path != want.Path || got.Size != want.Size {
			t.Errorf("element %d metadata differs after round trip", i)
		}
		if !bytes.Equal(got.Digest, want.Digest) {
			t.Errorf("element %d digest differs after round trip", i)
		}
	}
}

func TestEntryDocumentDigest(t *testing.T) {
	manifest := validManifest()

	digest, err := manifest.Elements[0].DocumentDigest()
	if err != nil {
		t.Fatalf("DocumentDigest failed: %v", err)
	}
	if !bytes.Equal(digest[:], manifest.Elements[0].Digest) {
		t.Error("DocumentDigest returned different bytes")
	}

	bad := Entry{Path: "personas/writer.md", Digest: []byte{1, 2, 3}}
	if _, err := bad.DocumentDigest(); err == nil {
		t.Error("DocumentDigest accepted a malformed digest")
	}
}
