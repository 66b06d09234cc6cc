// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package triggerindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/audit"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/clock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/keylock"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/trigger"
)

// ErrCorrupt marks a persisted index that failed validation on load.
// Open consumes it by rebuilding; it never reaches portfolio callers.
var ErrCorrupt = errors.New("capability index is corrupt")

// Candidate identifies one element that declares a trigger.
type Candidate struct {
	Kind element.Kind
	Name string
}

// SourceEntry is one stored element and its declared triggers, as
// supplied to Rebuild.
type SourceEntry struct {
	Kind     element.Kind
	Name     string
	Triggers []string
}

// Source enumerates stored elements for a rebuild. The portfolio
// store implements it.
type Source interface {
	// TriggerSources returns one entry per stored element. Order is
	// not significant; the index sorts what it persists.
	TriggerSources(ctx context.Context) ([]SourceEntry, error)
}

// Config configures an Index.
type Config struct {
	// Path is the index file location, capability-index.yaml at the
	// portfolio root. The path doubles as the lock resource key.
	// Required.
	Path string

	// Locks serializes index access. Required.
	Locks *keylock.Manager

	// Source supplies elements for rebuilds. Required.
	Source Source

	// Audit receives index corruption events. Nil discards them.
	Audit audit.Sink

	// Clock drives usage timestamps and daily buckets. Nil means
	// real time.
	Clock clock.Clock

	// Logger receives operational logs. Nil discards them.
	Logger *slog.Logger
}

// Index is the capability index. Safe for concurrent use: every
// method serializes on the index resource key.
type Index struct {
	path   string
	locks  *keylock.Manager
	source Source
	sink   audit.Sink
	clk    clock.Clock
	logger *slog.Logger

	// state is guarded by the lock on path, not by a mutex, so index
	// access shares the FIFO fairness of element operations.
	state *state
}

type state struct {
	rebuiltAt time.Time
	triggers  map[string]*triggerState
}

type triggerState struct {
	candidates []Candidate
	usageCount int64
	firstUsed  time.Time
	lastUsed   time.Time
	daily      map[string]int64
}

// Open loads the persisted index, rebuilding it from the source when
// the file is missing or fails validation. Corruption is audited and
// logged, never surfaced; the index is derived state. A read error
// that is not corruption (say, a permission problem) is returned.
func Open(ctx context.Context, cfg Config) (*Index, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("triggerindex: Config.Path is required")
	}
	if cfg.Locks == nil {
		return nil, fmt.Errorf("triggerindex: Config.Locks is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("triggerindex: Config.Source is required")
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

	x := &Index{
		path:   cfg.Path,
		locks:  cfg.Locks,
		source: cfg.Source,
		sink:   cfg.Audit,
		clk:    cfg.Clock,
		logger: cfg.Logger,
	}

	err := x.locks.WithLock(ctx, x.path, func() error {
		loaded, err := loadFile(x.path)
		switch {
		case err == nil:
			x.state = loaded
			return nil

		case errors.Is(err, fs.ErrNotExist):
			x.logger.Info("capability index missing, rebuilding", "path", x.path)
			return x.rebuildLocked(ctx)

		case errors.Is(err, ErrCorrupt):
			x.logger.Warn("capability index corrupt, rebuilding",
				"path", x.path, "error", err)
			x.sink.Record(audit.Event{
				Category: audit.CategoryIndexCorruption,
				Severity: audit.SeverityMedium,
				Detail:   err.Error(),
			})
			return x.rebuildLocked(ctx)

		default:
			return fmt.Errorf("reading capability index: %w", err)
		}
	})
	if err != nil {
		return nil, err
	}
	return x, nil
}

// Rebuild reconstructs the trigger map from every stored element and
// persists the result. Usage metrics survive the rebuild for triggers
// that still exist (and for demand-only entries with recorded usage);
// if anything fails, both the in-memory state and the index file stay
// as they were.
func (x *Index) Rebuild(ctx context.Context) error {
	return x.locks.WithLock(ctx, x.path, func() error {
		return x.rebuildLocked(ctx)
	})
}

// rebuildLocked runs with the index resource key held.
func (x *Index) rebuildLocked(ctx context.Context) error {
	entries, err := x.source.TriggerSources(ctx)
	if err != nil {
		return fmt.Errorf("enumerating elements for index rebuild: %w", err)
	}

	fresh := &state{
		rebuiltAt: x.clk.Now().UTC(),
		triggers:  make(map[string]*triggerState),
	}
	for _, entry := range entries {
		for _, trig := range entry.Triggers {
			if !trigger.ValidToken(trig) {
				// Extraction never produces these; a source handing
				// one over is a bug worth hearing about.
				x.logger.Warn("skipping invalid trigger during rebuild",
					"trigger", trig, "kind", entry.Kind, "name", entry.Name)
				continue
			}
			ts := fresh.triggers[trig]
			if ts == nil {
				ts = &triggerState{daily: make(map[string]int64)}
				fresh.triggers[trig] = ts
			}
			ts.candidates = append(ts.candidates, Candidate{Kind: entry.Kind, Name: entry.Name})
		}
	}
	for _, ts := range fresh.triggers {
		ts.candidates = sortCandidates(ts.candidates)
	}

	// Carry usage history forward. Triggers that vanished from the
	// elements keep their metrics only if they were ever queried:
	// which capabilities users ask for and do not have is worth
	// keeping visible in Metrics.
	if x.state != nil {
		for trig, old := range x.state.triggers {
			ts := fresh.triggers[trig]
			if ts == nil {
				if old.usageCount == 0 {
					continue
				}
				ts = &triggerState{daily: make(map[string]int64)}
				fresh.triggers[trig] = ts
			}
			ts.usageCount = old.usageCount
			ts.firstUsed = old.firstUsed
			ts.lastUsed = old.lastUsed
			for day, n := range old.daily {
				ts.daily[day] = n
			}
		}
	}

	if err := saveFile(x.path, fresh); err != nil {
		return fmt.Errorf("persisting rebuilt index: %w", err)
	}
	x.state = fresh
	return nil
}

// ElementsFor returns the candidates declared for trig and records
// the query in that trigger's usage metrics: lifetime count, first
// and last used, today's daily bucket. Buckets older than the
// retention window are pruned on the way, and the updated metrics
// are persisted before returning.
//
// Unknown triggers return no candidates but still get a metrics
// entry.
func (x *Index) ElementsFor(ctx context.Context, trig string) ([]Candidate, error) {
	trig = strings.TrimSpace(trig)
	if !trigger.ValidToken(trig) {
		return nil, fmt.Errorf("invalid trigger token %q", trig)
	}

	var out []Candidate
	err := x.locks.WithLock(ctx, x.path, func() error {
		now := x.clk.Now().UTC()

		ts := x.state.triggers[trig]
		if ts == nil {
			ts = &triggerState{daily: make(map[string]int64)}
			x.state.triggers[trig] = ts
		}
		ts.usageCount++
		if ts.firstUsed.IsZero() {
			ts.firstUsed = now
		}
		ts.lastUsed = now
		ts.daily[now.Format(dayFormat)]++
		pruneDaily(ts.daily, now)

		if err := saveFile(x.path, x.state); err != nil {
			return fmt.Errorf("persisting index usage update: %w", err)
		}
		out = slices.Clone(ts.candidates)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics returns one entry per known trigger, sorted by usage count
// descending (ties broken by trigger token). DailyAverage is usage
// per tracked day; Trend compares the last seven days against the
// seven before that.
func (x *Index) Metrics(ctx context.Context) ([]Metric, error) {
	var out []Metric
	err := x.locks.WithLock(ctx, x.path, func() error {
		now := x.clk.Now().UTC()
		out = make([]Metric, 0, len(x.state.triggers))
		for trig, ts := range x.state.triggers {
			out = append(out, Metric{
				Trigger:      trig,
				Candidates:   slices.Clone(ts.candidates),
				UsageCount:   ts.usageCount,
				FirstUsed:    ts.firstUsed,
				LastUsed:     ts.lastUsed,
				DailyAverage: dailyAverage(ts.daily),
				Trend:        classifyTrend(ts.daily, now),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UsageCount != out[j].UsageCount {
			return out[i].UsageCount > out[j].UsageCount
		}
		return out[i].Trigger < out[j].Trigger
	})
	return out, nil
}

// sortCandidates orders by kind then name and drops duplicates in
// place via reslicing.
func sortCandidates(candidates []Candidate) []Candidate {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Kind != candidates[j].Kind {
			return candidates[i].Kind < candidates[j].Kind
		}
		return candidates[i].Name < candidates[j].Name
	})
	return slices.Compact(candidates)
}
