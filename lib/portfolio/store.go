// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/atomicfile"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/audit"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/clock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/dochash"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/elementdef"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/keylock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/triggerindex"
)

// GuardFilename is the advisory lock file at the portfolio root that
// keeps a second process from opening the same portfolio.
const GuardFilename = ".portfolio.lock"

// StoreConfig configures OpenStore.
type StoreConfig struct {
	// Root is the portfolio directory. Created if missing. Required.
	Root string

	// Locks serializes element mutations. Required.
	Locks *keylock.Manager

	// Parser admits documents on load and re-admits them on save.
	// Required.
	Parser *elementdef.Parser

	// Audit receives integrity drift events. Nil discards them.
	Audit audit.Sink

	// Clock stamps created/updated metadata. Nil means real time.
	Clock clock.Clock

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger
}

// Store reads and writes element documents under a portfolio root.
// Safe for concurrent use. Open at most one Store per root per
// process; the flock guard enforces one per root across processes.
type Store struct {
	root   string
	locks  *keylock.Manager
	parser *elementdef.Parser
	sink   audit.Sink
	clk    clock.Clock
	logger *slog.Logger
	guard  *os.File
}

// OpenStore opens (creating if needed) the portfolio at cfg.Root and
// takes the single-writer guard. Returns ErrPortfolioBusy if another
// process already holds it.
func OpenStore(cfg StoreConfig) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("portfolio: StoreConfig.Root is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("portfolio: StoreConfig.Locks is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("portfolio: StoreConfig.Parser is required")
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating portfolio root: %w", err)
	}
	guard, err := acquireGuard(filepath.Join(cfg.Root, GuardFilename))
	if err != nil {
		return nil, err
	}

	return &Store{
		root:   cfg.Root,
		locks:  cfg.Locks,
		parser: cfg.Parser,
		sink:   cfg.Audit,
		clk:    cfg.Clock,
		logger: cfg.Logger,
		guard:  guard,
	}, nil
}

// acquireGuard takes an exclusive advisory flock on the guard file.
// LOCK_NB: a busy portfolio fails fast instead of blocking Open.
func acquireGuard(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening portfolio guard: %w", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrPortfolioBusy
		}
		return nil, fmt.Errorf("locking portfolio guard: %w", err)
	}
	return file, nil
}

// Close releases the single-writer guard. Idempotent.
func (s *Store) Close() error {
	if s.guard == nil {
		return nil
	}
	guard := s.guard
	s.guard = nil
	if err := unix.Flock(int(guard.Fd()), unix.LOCK_UN); err != nil {
		guard.Close()
		return fmt.Errorf("unlocking portfolio guard: %w", err)
	}
	return guard.Close()
}

// Root returns the portfolio root directory.
func (s *Store) Root() string { return s.root }

// Load reads one element through the full admission pipeline. The
// returned document carries normalized, policy-clean text plus any
// findings admission produced. Loads take no locks; atomic writes
// mean a reader never sees a partial document.
func (s *Store) Load(kind element.Kind, name string) (*elementdef.Document, error) {
	path, err := s.findElement(kind, name)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	doc, err := s.parser.Parse(kind, raw)
	if err != nil {
		return nil, fmt.Errorf("loading %s/%s: %w", kind, name, err)
	}

	s.verifyDigest(kind, doc)
	return doc, nil
}

// digestContent returns the bytes the content digest covers. For most
// kinds that is the markdown body. A memory has no single body, so its
// entries are folded in order with length-prefixed fields, which keeps
// the fold unambiguous whatever bytes the entries hold.
func digestContent(el *element.Element) []byte {
	if el.Kind != element.KindMemory {
		return []byte(el.Content)
	}
	var b bytes.Buffer
	for _, entry := range el.Entries {
		fmt.Fprintf(&b, "%d:%s", len(entry.At), entry.At)
		fmt.Fprintf(&b, "%d:%s", len(entry.Content), entry.Content)
	}
	return b.Bytes()
}

// verifyDigest compares the document's stored content digest against
// the content that actually loaded. A mismatch means something edited
// the file outside the store; the load continues with a finding, and
// the drift is audited.
func (s *Store) verifyDigest(kind element.Kind, doc *elementdef.Document) {
	stored := doc.Metadata.ContentDigest
	if stored == "" {
		return
	}
	want, err := dochash.Parse(stored)
	if err != nil {
		// Metadata validation enforces the shape, so this is
		// unreachable short of a parser bug. Treat it as drift.
		want = dochash.Digest{}
	}
	got := dochash.SumDocument(digestContent(doc.Element()))
	if got == want {
		return
	}

	s.logger.Warn("element content drifted from its recorded digest",
		"kind", kind, "name", doc.Metadata.Name,
		"stored", dochash.Short(want), "computed", dochash.Short(got))
	s.sink.Record(audit.Event{
		Category:    audit.CategoryIntegrityDrift,
		Severity:    audit.SeverityMedium,
		ElementKind: string(kind),
		ElementName: doc.Metadata.Name,
		Findings:    []string{"integrity-drift"},
		Detail:      fmt.Sprintf("stored digest %s, computed %s", dochash.Short(want), dochash.Short(got)),
	})
	doc.Findings = append(doc.Findings, "integrity-drift")
}

// SaveOptions controls Save collision behavior.
type SaveOptions struct {
	// Overwrite permits replacing an existing element of the same
	// kind and name. Without it a collision returns ErrConflict.
	Overwrite bool
}

// Save persists an element. The element is serialized and re-admitted
// through the full pipeline first, so a save can fail for every
// reason a load can, and a failed save leaves the on-disk state
// untouched. On success the stored document carries created/updated
// timestamps and a fresh content digest.
//
// ctx bounds the wait for the element's lock.
func (s *Store) Save(ctx context.Context, el *element.Element, opts SaveOptions) error {
	if el == nil {
		return fmt.Errorf("portfolio: nil element")
	}
	if err := el.Validate(); err != nil {
		return fmt.Errorf("save: %w", err)
	}

	draft, err := elementdef.Serialize(el)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", el.Kind, el.Metadata.Name, err)
	}
	doc, err := s.parser.Parse(el.Kind, draft)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", el.Kind, el.Metadata.Name, err)
	}

	admitted := doc.Element()
	name := admitted.Metadata.Name

	now := s.clk.Now().UTC().Format(time.RFC3339)
	if admitted.Metadata.Created == "" {
		admitted.Metadata.Created = now
	}
	admitted.Metadata.Updated = now
	// The digest covers the admitted (normalized) content, which is
	// exactly what a future load will parse back out.
	admitted.Metadata.ContentDigest = dochash.Format(dochash.SumDocument(digestContent(admitted)))

	final, err := elementdef.Serialize(admitted)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", el.Kind, name, err)
	}

	return s.locks.WithLock(ctx, s.lockKey(el.Kind, name), func() error {
		var path string
		existing, findErr := s.findElement(el.Kind, name)
		switch {
		case findErr == nil:
			if !opts.Overwrite {
				return fmt.Errorf("%s/%s: %w", el.Kind, name, ErrConflict)
			}
			// Overwrite in place. A memory keeps its original
			// partition.
			path = existing
		case errors.Is(findErr, ErrNotFound):
			path = s.freshPath(admitted)
		default:
			return findErr
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
		}
		if err := atomicfile.WriteFile(path, final, 0o644); err != nil {
			return fmt.Errorf("writing %s/%s: %w", el.Kind, name, err)
		}
		return nil
	})
}

// freshPath resolves where a new element lands. Memories are
// partitioned by their creation date.
func (s *Store) freshPath(el *element.Element) string {
	if !el.Kind.DatePartitioned() {
		return s.elementPath(el.Kind, el.Metadata.Name)
	}
	partition := s.clk.Now().UTC().Format("2006-01-02")
	if created, err := time.Parse(time.RFC3339, el.Metadata.Created); err == nil {
		partition = created.UTC().Format("2006-01-02")
	}
	return s.memoryPath(partition, el.Metadata.Name)
}

// List loads every element of a kind, spanning all date partitions,
// sorted by name. A document that no longer passes admission is
// skipped with a log entry; one damaged file does not hide the rest
// of the portfolio (the parser has already audited the rejection).
func (s *Store) List(kind element.Kind) ([]*elementdef.Document, error) {
	paths, err := s.documentPaths(kind)
	if err != nil {
		return nil, err
	}

	docs := make([]*elementdef.Document, 0, len(paths))
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue // deleted between listing and reading
			}
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		doc, err := s.parser.Parse(kind, raw)
		if err != nil {
			s.logger.Warn("skipping element that failed admission",
				"kind", kind, "path", path, "error", err)
			continue
		}
		s.verifyDigest(kind, doc)
		docs = append(docs, doc)
	}

	sort.Slice(docs, func(i, j int) bool {
		return docs[i].Metadata.Name < docs[j].Metadata.Name
	})
	return docs, nil
}

// Exists reports whether an element is present, without loading it.
func (s *Store) Exists(kind element.Kind, name string) (bool, error) {
	_, err := s.findElement(kind, name)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Delete removes an element. Returns ErrNotFound if it does not
// exist. ctx bounds the wait for the element's lock.
func (s *Store) Delete(ctx context.Context, kind element.Kind, name string) error {
	return s.locks.WithLock(ctx, s.lockKey(kind, name), func() error {
		path, err := s.findElement(kind, name)
		if err != nil {
			return err
		}
		if err := atomicfile.Remove(path); err != nil {
			return fmt.Errorf("deleting %s/%s: %w", kind, name, err)
		}
		return nil
	})
}

// TriggerSources implements [triggerindex.Source]: one entry per
// stored element that declares triggers.
func (s *Store) TriggerSources(ctx context.Context) ([]triggerindex.SourceEntry, error) {
	var entries []triggerindex.SourceEntry
	for _, kind := range element.Kinds() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs, err := s.List(kind)
		if err != nil {
			return nil, err
		}
		for _, doc := range docs {
			if len(doc.Metadata.Triggers) == 0 {
				continue
			}
			entries = append(entries, triggerindex.SourceEntry{
				Kind:     kind,
				Name:     doc.Metadata.Name,
				Triggers: slices.Clone(doc.Metadata.Triggers),
			})
		}
	}
	return entries, nil
}
