// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package triggerindex

import (
	"bytes"
	"fmt"
	"maps"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/atomicfile"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/trigger"
)

// fileVersion is the persisted index format version.
const fileVersion = 1

// The on-disk shape. Timestamps are RFC 3339 strings and daily
// buckets are date-keyed maps, so the file stays within the
// restricted schema: plain scalars, sequences, string-keyed maps.
type indexFile struct {
	Version   int                      `yaml:"version"`
	RebuiltAt string                   `yaml:"rebuilt_at"`
	Triggers  map[string]triggerRecord `yaml:"triggers"`
}

type triggerRecord struct {
	Candidates []candidateRecord `yaml:"candidates,omitempty"`
	UsageCount int64             `yaml:"usage_count"`
	FirstUsed  string            `yaml:"first_used,omitempty"`
	LastUsed   string            `yaml:"last_used,omitempty"`
	Daily      map[string]int64  `yaml:"daily_usage,omitempty"`
}

type candidateRecord struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

// loadFile reads and validates the persisted index. A missing file
// surfaces as fs.ErrNotExist; everything between "file exists" and
// "state is coherent" wraps ErrCorrupt so Open can fall back to a
// rebuild.
func loadFile(path string) (*state, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var file indexFile
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if file.Version != fileVersion {
		return nil, fmt.Errorf("%w: version %d, want %d", ErrCorrupt, file.Version, fileVersion)
	}
	rebuiltAt, err := time.Parse(time.RFC3339, file.RebuiltAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad rebuilt_at: %v", ErrCorrupt, err)
	}

	loaded := &state{
		rebuiltAt: rebuiltAt,
		triggers:  make(map[string]*triggerState, len(file.Triggers)),
	}
	for trig, record := range file.Triggers {
		if !trigger.ValidToken(trig) {
			return nil, fmt.Errorf("%w: invalid trigger token %q", ErrCorrupt, trig)
		}

		ts := &triggerState{daily: make(map[string]int64, len(record.Daily))}
		for _, c := range record.Candidates {
			kind, err := element.ParseKind(c.Kind)
			if err != nil {
				return nil, fmt.Errorf("%w: trigger %q: %v", ErrCorrupt, trig, err)
			}
			if c.Name == "" {
				return nil, fmt.Errorf("%w: trigger %q has a candidate without a name", ErrCorrupt, trig)
			}
			ts.candidates = append(ts.candidates, Candidate{Kind: kind, Name: c.Name})
		}
		ts.candidates = sortCandidates(ts.candidates)

		if record.UsageCount < 0 {
			return nil, fmt.Errorf("%w: trigger %q has negative usage count", ErrCorrupt, trig)
		}
		ts.usageCount = record.UsageCount

		if record.FirstUsed != "" {
			ts.firstUsed, err = time.Parse(time.RFC3339, record.FirstUsed)
			if err != nil {
				return nil, fmt.Errorf("%w: trigger %q: bad first_used: %v", ErrCorrupt, trig, err)
			}
		}
		if record.LastUsed != "" {
			ts.lastUsed, err = time.Parse(time.RFC3339, record.LastUsed)
			if err != nil {
				return nil, fmt.Errorf("%w: trigger %q: bad last_used: %v", ErrCorrupt, trig, err)
			}
		}

		for day, count := range record.Daily {
			if _, err := time.Parse(dayFormat, day); err != nil {
				return nil, fmt.Errorf("%w: trigger %q: bad daily bucket key %q", ErrCorrupt, trig, day)
			}
			if count < 0 {
				return nil, fmt.Errorf("%w: trigger %q: negative daily count for %s", ErrCorrupt, trig, day)
			}
			ts.daily[day] = count
		}

		loaded.triggers[trig] = ts
	}
	return loaded, nil
}

// saveFile persists the state atomically. yaml.Marshal sorts map
// keys, so the same state always produces the same file.
func saveFile(path string, s *state) error {
	file := indexFile{
		Version:   fileVersion,
		RebuiltAt: s.rebuiltAt.Format(time.RFC3339),
		Triggers:  make(map[string]triggerRecord, len(s.triggers)),
	}
	for trig, ts := range s.triggers {
		record := triggerRecord{UsageCount: ts.usageCount}
		for _, c := range ts.candidates {
			record.Candidates = append(record.Candidates, candidateRecord{
				Kind: string(c.Kind),
				Name: c.Name,
			})
		}
		if !ts.firstUsed.IsZero() {
			record.FirstUsed = ts.firstUsed.Format(time.RFC3339)
		}
		if !ts.lastUsed.IsZero() {
			record.LastUsed = ts.lastUsed.Format(time.RFC3339)
		}
		if len(ts.daily) > 0 {
			record.Daily = maps.Clone(ts.daily)
		}
		file.Triggers[trig] = record
	}

	encoded, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("encoding capability index: %w", err)
	}
	return atomicfile.WriteFile(path, encoded, 0o644)
}
