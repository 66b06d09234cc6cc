// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/atomicfile"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/audit"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/codec"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/dochash"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/secret"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/snapshot"
)

// SnapshotOptions configures Store.Snapshot.
type SnapshotOptions struct {
	// Compression selects the payload compression.
	Compression snapshot.CompressionTag

	// SealKey, when non-nil, seals the snapshot with
	// XChaCha20-Poly1305 so it can leave the machine.
	SealKey *secret.Buffer
}

// RestoreOptions configures Store.Restore.
type RestoreOptions struct {
	// SealKey opens a sealed snapshot. Required for sealed input,
	// ignored otherwise.
	SealKey *secret.Buffer

	// Overwrite permits replacing elements that already exist.
	// Without it, any name collision fails the whole restore before
	// a single document is written.
	Overwrite bool
}

// Snapshot writes every element document to w as a compressed
// (optionally sealed) envelope. The payload is a tar whose first
// entry is a deterministic-CBOR manifest listing each document with
// its digest; the documents follow in manifest order. Documents are
// captured byte-for-byte; atomic writes guarantee each one is
// internally consistent even while saves proceed concurrently.
func (s *Store) Snapshot(ctx context.Context, w io.Writer, opts SnapshotOptions) (*snapshot.Manifest, error) {
	manifest := &snapshot.Manifest{
		Version:   snapshot.ManifestVersion,
		CreatedAt: s.clk.Now().UnixNano(),
	}

	var bodies [][]byte
	for _, kind := range element.Kinds() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		paths, err := s.documentPaths(kind)
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			raw, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", p, err)
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return nil, fmt.Errorf("resolving %s: %w", p, err)
			}
			digest := dochash.SumDocument(raw)
			manifest.Elements = append(manifest.Elements, snapshot.Entry{
				Kind:   string(kind),
				Name:   documentName(kind, p),
				Path:   filepath.ToSlash(rel),
				Size:   int64(len(raw)),
				Digest: digest[:],
			})
			bodies = append(bodies, raw)
		}
	}

	payload, err := packSnapshot(manifest, bodies)
	if err != nil {
		return nil, err
	}
	if err := snapshot.WriteEnvelope(w, payload, snapshot.Options{
		Compression: opts.Compression,
		SealKey:     opts.SealKey,
	}); err != nil {
		return nil, err
	}
	return manifest, nil
}

// documentName recovers the element name from a document path.
func documentName(kind element.Kind, p string) string {
	return strings.TrimSuffix(filepath.Base(p), kindExt(kind))
}

// packSnapshot builds the tar payload: manifest first, then one entry
// per document in manifest order. All timestamps come from the
// manifest, so identical portfolio state packs to identical bytes.
func packSnapshot(manifest *snapshot.Manifest, bodies [][]byte) ([]byte, error) {
	encoded, err := codec.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot manifest: %w", err)
	}

	// Truncating to seconds keeps the writer from emitting sub-second
	// PAX time records, so the format stays USTAR for short names and
	// the payload bytes depend only on manifest state either way.
	modTime := time.Unix(manifest.CreatedAt/int64(time.Second), 0).UTC()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	writeEntry := func(name string, body []byte) error {
		header := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     int64(len(body)),
			Mode:     0o644,
			ModTime:  modTime,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing snapshot entry %s: %w", name, err)
		}
		if _, err := tw.Write(body); err != nil {
			return fmt.Errorf("writing snapshot entry %s: %w", name, err)
		}
		return nil
	}

	if err := writeEntry(snapshot.ManifestFilename, encoded); err != nil {
		return nil, err
	}
	for i, entry := range manifest.Elements {
		if err := writeEntry(entry.Path, bodies[i]); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing snapshot payload: %w", err)
	}
	return buf.Bytes(), nil
}

// restoreItem is one verified document waiting to be written.
type restoreItem struct {
	kind element.Kind
	name string
	path string // absolute target path
	body []byte
}

// Restore replaces portfolio contents from a snapshot. The entire
// snapshot is verified first (envelope integrity, manifest shape,
// per-document digests, and a full admission pass over every
// document) and any failure rejects the restore with an audit event
// before a single byte lands on disk. Name collisions fail the same
// way unless opts.Overwrite is set; a collision created by a save
// racing the write pass stops the restore at that element.
func (s *Store) Restore(ctx context.Context, r io.Reader, opts RestoreOptions) (*snapshot.Manifest, error) {
	payload, err := snapshot.ReadEnvelope(r, snapshot.OpenOptions{SealKey: opts.SealKey})
	if err != nil {
		return nil, s.rejectRestore(fmt.Errorf("opening snapshot: %w", err))
	}

	manifest, items, err := s.verifySnapshot(ctx, payload, opts.Overwrite)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// The snapshot itself is fine; the portfolio has
			// colliding elements. Not an integrity event.
			return nil, err
		}
		return nil, s.rejectRestore(err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.writeRestored(ctx, item, opts.Overwrite); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

// rejectRestore audits a failed verification and returns the error.
func (s *Store) rejectRestore(cause error) error {
	s.logger.Warn("snapshot restore rejected", "error", cause)
	s.sink.Record(audit.Event{
		Category: audit.CategoryRestoreRejected,
		Severity: audit.SeverityHigh,
		Findings: []string{"restore-rejected"},
		Detail:   cause.Error(),
	})
	return fmt.Errorf("restore rejected: %w", cause)
}

// verifySnapshot walks the tar payload against its manifest and
// re-admits every document. Nothing is written; the returned items
// are complete and safe to apply.
func (s *Store) verifySnapshot(ctx context.Context, payload []byte, overwrite bool) (*snapshot.Manifest, []restoreItem, error) {
	tr := tar.NewReader(bytes.NewReader(payload))

	header, err := tr.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot payload is not a tar archive: %w", err)
	}
	if header.Name != snapshot.ManifestFilename {
		return nil, nil, fmt.Errorf("first snapshot entry is %q, want %q", header.Name, snapshot.ManifestFilename)
	}
	encoded, err := io.ReadAll(tr)
	if err != nil {
		return nil, nil, fmt.Errorf("reading snapshot manifest: %w", err)
	}
	var manifest snapshot.Manifest
	if err := codec.Unmarshal(encoded, &manifest); err != nil {
		return nil, nil, fmt.Errorf("decoding snapshot manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, nil, fmt.Errorf("snapshot manifest: %w", err)
	}

	items := make([]restoreItem, 0, len(manifest.Elements))
	for i := range manifest.Elements {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		entry := &manifest.Elements[i]

		header, err := tr.Next()
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot ends early: manifest lists %d documents, archive has %d: %w",
				len(manifest.Elements), i, err)
		}
		if header.Name != entry.Path {
			return nil, nil, fmt.Errorf("snapshot entry %d is %q, manifest says %q", i, header.Name, entry.Path)
		}

		item, err := s.verifyEntry(entry, tr, overwrite)
		if err != nil {
			return nil, nil, err
		}
		items = append(items, item)
	}
	if _, err := tr.Next(); err != io.EOF {
		return nil, nil, fmt.Errorf("snapshot has entries beyond the %d the manifest lists", len(manifest.Elements))
	}
	return &manifest, items, nil
}

// verifyEntry checks one document against its manifest entry: byte
// size, digest, path shape, and a full admission parse whose result
// must agree with the manifest identity.
func (s *Store) verifyEntry(entry *snapshot.Entry, tr io.Reader, overwrite bool) (restoreItem, error) {
	var item restoreItem

	kind, err := element.ParseKind(entry.Kind)
	if err != nil {
		return item, fmt.Errorf("snapshot entry %s: %w", entry.Path, err)
	}
	if err := checkName(entry.Name); err != nil {
		return item, fmt.Errorf("snapshot entry %s: %w", entry.Path, err)
	}
	if err := checkEntryPath(kind, entry.Name, entry.Path); err != nil {
		return item, err
	}

	want, err := entry.DocumentDigest()
	if err != nil {
		return item, fmt.Errorf("snapshot manifest: %w", err)
	}
	body, err := io.ReadAll(tr)
	if err != nil {
		return item, fmt.Errorf("reading snapshot entry %s: %w", entry.Path, err)
	}
	if int64(len(body)) != entry.Size {
		return item, fmt.Errorf("snapshot entry %s is %d bytes, manifest says %d", entry.Path, len(body), entry.Size)
	}
	if got := dochash.SumDocument(body); got != want {
		return item, fmt.Errorf("snapshot entry %s digest mismatch: computed %s, manifest says %s",
			entry.Path, dochash.Short(got), dochash.Short(want))
	}

	doc, err := s.parser.Parse(kind, body)
	if err != nil {
		return item, fmt.Errorf("snapshot entry %s failed admission: %w", entry.Path, err)
	}
	if doc.Metadata.Name != entry.Name {
		return item, fmt.Errorf("snapshot entry %s declares name %q but its document says %q",
			entry.Path, entry.Name, doc.Metadata.Name)
	}

	if !overwrite {
		exists, err := s.Exists(kind, entry.Name)
		if err != nil {
			return item, err
		}
		if exists {
			return item, fmt.Errorf("%s/%s: %w", kind, entry.Name, ErrConflict)
		}
	}

	return restoreItem{
		kind: kind,
		name: entry.Name,
		path: filepath.Join(s.root, filepath.FromSlash(entry.Path)),
		body: body,
	}, nil
}

// checkEntryPath pins a manifest path to the portfolio layout for its
// kind. Combined with the manifest's own traversal checks, this means
// a restore can only ever write inside the element directories.
func checkEntryPath(kind element.Kind, name, entryPath string) error {
	if kind.DatePartitioned() {
		dir, file := path.Split(entryPath)
		want := kindDir(kind) + "/"
		partition := strings.TrimPrefix(dir, want)
		if !strings.HasPrefix(dir, want) || !partitionShape.MatchString(strings.TrimSuffix(partition, "/")) {
			return fmt.Errorf("snapshot entry %s is not under a %s date partition", entryPath, kindDir(kind))
		}
		if file != name+kindExt(kind) {
			return fmt.Errorf("snapshot entry %s does not match element name %q", entryPath, name)
		}
		return nil
	}
	if entryPath != path.Join(kindDir(kind), name+kindExt(kind)) {
		return fmt.Errorf("snapshot entry %s does not match %s/%s", entryPath, kind, name)
	}
	return nil
}

// writeRestored lands one verified document, serialized with the rest
// of the store's mutations through the element's lock. The conflict
// check runs again here: a save can land between verification and
// this write, and without overwrite that save wins. If an existing
// memory lives in a different partition than the snapshot captured,
// the old file is removed so the element does not appear twice.
func (s *Store) writeRestored(ctx context.Context, item restoreItem, overwrite bool) error {
	return s.locks.WithLock(ctx, s.lockKey(item.kind, item.name), func() error {
		existing, err := s.findElement(item.kind, item.name)
		switch {
		case err == nil, errors.Is(err, ErrNotFound):
		default:
			return err
		}
		if !overwrite && existing != "" {
			return fmt.Errorf("%s/%s: %w", item.kind, item.name, ErrConflict)
		}

		if err := os.MkdirAll(filepath.Dir(item.path), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(item.path), err)
		}
		if err := atomicfile.WriteFile(item.path, item.body, 0o644); err != nil {
			return fmt.Errorf("restoring %s/%s: %w", item.kind, item.name, err)
		}
		if existing != "" && existing != item.path {
			if err := atomicfile.Remove(existing); err != nil {
				return fmt.Errorf("removing superseded %s: %w", existing, err)
			}
		}
		return nil
	})
}
