// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/audit"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/clock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/contentscan"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/elementdef"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/keylock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/secret"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/snapshot"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/triggerindex"
)

// IndexFilename is the capability index file at the portfolio root.
const IndexFilename = "capability-index.yaml"

// ServiceOptions configures NewService.
type ServiceOptions struct {
	// Config is the portfolio configuration. Required.
	Config *Config

	// Clock overrides real time. Nil means real time.
	Clock clock.Clock

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger
}

// Service wires the portfolio together: one store, one lock manager,
// one capability index, one audit pipeline. Construct it once at
// process start and share it; every method is safe for concurrent
// use.
type Service struct {
	cfg      *Config
	store    *Store
	index    *triggerindex.Index
	locks    *keylock.Manager
	sink     audit.Sink
	auditLog *audit.Log
	sealKey  *secret.Buffer
	clk      clock.Clock
	logger   *slog.Logger
}

// NewService opens the portfolio described by opts.Config and builds
// the full pipeline on top of it. The capability index is loaded (or
// rebuilt) before NewService returns, so the service starts ready to
// answer queries. Close releases everything.
func NewService(ctx context.Context, opts ServiceOptions) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("portfolio: ServiceOptions.Config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	svc := &Service{cfg: cfg, clk: clk, logger: logger}

	// The audit database usually resolves under the root, so the
	// root must exist before the log opens.
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating portfolio root: %w", err)
	}

	// Audit events always reach the log stream; a configured database
	// additionally keeps a queryable record.
	sink := audit.Sink(audit.NewSlogSink(logger))
	if path := cfg.AuditDBPath(); path != "" {
		log, err := audit.OpenLog(audit.LogConfig{
			Path:   path,
			Clock:  clk,
			Logger: logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		svc.auditLog = log
		sink = audit.Fanout(sink, log)
	}
	svc.sink = sink

	scanner, err := contentscan.NewScanner(contentscan.Options{
		Policy: cfg.ScannerPolicy(),
		Logger: logger,
		Sink:   sink,
	})
	if err != nil {
		svc.closePartial()
		return nil, fmt.Errorf("building content scanner: %w", err)
	}
	parser, err := elementdef.NewParser(elementdef.Options{
		Scanner: scanner,
		Logger:  logger,
		Sink:    sink,
	})
	if err != nil {
		svc.closePartial()
		return nil, fmt.Errorf("building element parser: %w", err)
	}

	svc.locks = keylock.NewManager(logger)

	store, err := OpenStore(StoreConfig{
		Root:   cfg.Root,
		Locks:  svc.locks,
		Parser: parser,
		Audit:  sink,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		svc.closePartial()
		return nil, err
	}
	svc.store = store

	if path := cfg.SnapshotKeyPath(); path != "" {
		key, err := secret.ReadFile(path)
		if err != nil {
			svc.closePartial()
			return nil, fmt.Errorf("reading snapshot key: %w", err)
		}
		svc.sealKey = key
	}

	index, err := triggerindex.Open(ctx, triggerindex.Config{
		Path:   filepath.Join(cfg.Root, IndexFilename),
		Locks:  svc.locks,
		Source: store,
		Audit:  sink,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		svc.closePartial()
		return nil, fmt.Errorf("opening capability index: %w", err)
	}
	svc.index = index

	return svc, nil
}

// closePartial unwinds a half-built service when NewService fails.
func (s *Service) closePartial() {
	if s.sealKey != nil {
		s.sealKey.Close()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.auditLog != nil {
		s.auditLog.Close()
	}
}

// Close releases the portfolio guard, the audit database, and the
// snapshot key. The service must not be used afterward.
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.sealKey != nil {
		if err := s.sealKey.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Store exposes the underlying element store.
func (s *Service) Store() *Store { return s.store }

// Audit exposes the service's audit sink, for callers that record
// their own events alongside the portfolio's.
func (s *Service) Audit() audit.Sink { return s.sink }

// AuditLog exposes the queryable audit database, or nil when no
// audit_db is configured.
func (s *Service) AuditLog() *audit.Log { return s.auditLog }

// opCtx bounds one mutating operation by the configured lock timeout.
func (s *Service) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.LockTimeout())
}

// noteTimeout records a lock-wait timeout to the audit trail. The
// error passes through unchanged.
func (s *Service) noteTimeout(err error, kind element.Kind, name string) error {
	var timeout *keylock.TimeoutError
	if errors.As(err, &timeout) {
		s.sink.Record(audit.Event{
			Category:    audit.CategoryLockTimeout,
			Severity:    audit.SeverityLow,
			ElementKind: string(kind),
			ElementName: name,
			Detail:      fmt.Sprintf("gave up after %s waiting for %s", timeout.Wait, timeout.Key),
		})
	}
	return err
}

// LoadElement reads one element through the full admission pipeline.
func (s *Service) LoadElement(kind element.Kind, name string) (*elementdef.Document, error) {
	return s.store.Load(kind, name)
}

// SaveElement validates and persists an element. With overwrite
// false, saving over an existing element returns ErrConflict.
func (s *Service) SaveElement(ctx context.Context, el *element.Element, overwrite bool) error {
	if el == nil {
		return fmt.Errorf("portfolio: nil element")
	}
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.store.Save(opCtx, el, SaveOptions{Overwrite: overwrite})
	return s.noteTimeout(err, el.Kind, el.Metadata.Name)
}

// ListElements loads every element of a kind, sorted by name.
func (s *Service) ListElements(kind element.Kind) ([]*elementdef.Document, error) {
	return s.store.List(kind)
}

// DeleteElement removes an element.
func (s *Service) DeleteElement(ctx context.Context, kind element.Kind, name string) error {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	err := s.store.Delete(opCtx, kind, name)
	return s.noteTimeout(err, kind, name)
}

// QueryByAction returns references to the elements that declare the
// given trigger, recording the lookup in the index's usage metrics.
// Candidates are index entries, not loaded documents; resolve one
// with LoadElement, or use ElementsByAction to resolve the whole set.
func (s *Service) QueryByAction(ctx context.Context, trig string) ([]triggerindex.Candidate, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	candidates, err := s.index.ElementsFor(opCtx, trig)
	return candidates, s.noteTimeout(err, "", trig)
}

// ElementsByAction queries the trigger and loads each candidate
// through the full admission pipeline. The index lags deletes until
// the next rebuild, so a candidate whose element is gone is skipped
// rather than failing the whole query; any other load error aborts.
func (s *Service) ElementsByAction(ctx context.Context, trig string) ([]*elementdef.Document, error) {
	candidates, err := s.QueryByAction(ctx, trig)
	if err != nil {
		return nil, err
	}
	docs := make([]*elementdef.Document, 0, len(candidates))
	for _, cand := range candidates {
		doc, err := s.store.Load(cand.Kind, cand.Name)
		switch {
		case err == nil:
			docs = append(docs, doc)
		case errors.Is(err, ErrNotFound):
		default:
			return nil, err
		}
	}
	return docs, nil
}

// TriggerMetrics reports per-trigger usage, sorted by usage count.
func (s *Service) TriggerMetrics(ctx context.Context) ([]triggerindex.Metric, error) {
	opCtx, cancel := s.opCtx(ctx)
	defer cancel()
	metrics, err := s.index.Metrics(opCtx)
	return metrics, s.noteTimeout(err, "", "")
}

// RebuildIndex re-derives the capability index from stored elements.
// The caller's ctx bounds the whole walk; rebuilds over a large
// portfolio can legitimately outlast the per-operation lock timeout.
func (s *Service) RebuildIndex(ctx context.Context) error {
	return s.index.Rebuild(ctx)
}

// Snapshot writes the portfolio to w using the configured compression
// and, when a snapshot key is configured, seals it.
func (s *Service) Snapshot(ctx context.Context, w io.Writer) (*snapshot.Manifest, error) {
	return s.store.Snapshot(ctx, w, SnapshotOptions{
		Compression: s.cfg.CompressionTag(),
		SealKey:     s.sealKey,
	})
}

// Restore replaces portfolio contents from a snapshot, then rebuilds
// the capability index to match.
func (s *Service) Restore(ctx context.Context, r io.Reader, overwrite bool) (*snapshot.Manifest, error) {
	manifest, err := s.store.Restore(ctx, r, RestoreOptions{
		SealKey:   s.sealKey,
		Overwrite: overwrite,
	})
	if err != nil {
		return nil, err
	}
	if err := s.index.Rebuild(ctx); err != nil {
		return manifest, fmt.Errorf("restore succeeded but index rebuild failed: %w", err)
	}
	return manifest, nil
}
