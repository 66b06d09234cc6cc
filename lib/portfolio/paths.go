// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/schema/element"
)

// partitionShape matches the date-partition directory names used for
// memories.
var partitionShape = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// kindDir returns the directory name for a kind: the plural form
// users see on disk.
func kindDir(kind element.Kind) string {
	switch kind {
	case element.KindPersona:
		return "personas"
	case element.KindSkill:
		return "skills"
	case element.KindTemplate:
		return "templates"
	case element.KindAgent:
		return "agents"
	case element.KindMemory:
		return "memories"
	case element.KindEnsemble:
		return "ensembles"
	default:
		return string(kind) + "s"
	}
}

// kindExt returns the file extension for a kind. Memories are pure
// YAML documents; everything else is markdown with frontmatter.
func kindExt(kind element.Kind) string {
	if kind == element.KindMemory {
		return ".yaml"
	}
	return ".md"
}

// checkName rejects names unusable as file names before any path is
// built from them. Saves get the same check through metadata
// validation; this guards the read-side entry points.
func checkName(name string) error {
	if name == "" {
		return errors.New("element name is empty")
	}
	if len(name) > element.MaxNameBytes {
		return fmt.Errorf("element name exceeds %d bytes", element.MaxNameBytes)
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("element name %q contains path syntax", name)
	}
	return nil
}

// lockKey returns the resource key serializing all mutations of one
// element. The key is partition-independent (for memories it omits
// the date directory) so two concurrent first-saves of the same name
// contend on the same key even before either file exists.
func (s *Store) lockKey(kind element.Kind, name string) string {
	return filepath.Join(s.root, kindDir(kind), name+kindExt(kind))
}

// elementPath resolves the location of a non-partitioned element.
func (s *Store) elementPath(kind element.Kind, name string) string {
	return filepath.Join(s.root, kindDir(kind), name+kindExt(kind))
}

// memoryPath resolves a memory location inside a partition.
func (s *Store) memoryPath(partition, name string) string {
	return filepath.Join(s.root, kindDir(element.KindMemory), partition,
		name+kindExt(element.KindMemory))
}

// partitions lists the date-partition directories under memories/,
// newest first. A missing memories directory is an empty portfolio,
// not an error.
func (s *Store) partitions() ([]string, error) {
	dir := filepath.Join(s.root, kindDir(element.KindMemory))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && partitionShape.MatchString(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}

// findElement resolves the on-disk path of an existing element.
// Memories are looked up across all partitions, newest first. Returns
// ErrNotFound (wrapped with the identity) when no file exists.
func (s *Store) findElement(kind element.Kind, name string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown element kind %q", kind)
	}
	if err := checkName(name); err != nil {
		return "", err
	}

	if kind == element.KindMemory {
		parts, err := s.partitions()
		if err != nil {
			return "", err
		}
		for _, partition := range parts {
			candidate := s.memoryPath(partition, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			} else if !os.IsNotExist(err) {
				return "", fmt.Errorf("checking %s: %w", candidate, err)
			}
		}
		return "", fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}

	path := s.elementPath(kind, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
		}
		return "", fmt.Errorf("checking %s: %w", path, err)
	}
	return path, nil
}

// documentPaths lists every document file for a kind in name order
// (partition-spanning for memories).
func (s *Store) documentPaths(kind element.Kind) ([]string, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown element kind %q", kind)
	}

	var paths []string
	ext := kindExt(kind)

	if kind == element.KindMemory {
		parts, err := s.partitions()
		if err != nil {
			return nil, err
		}
		for _, partition := range parts {
			dir := filepath.Join(s.root, kindDir(kind), partition)
			entries, err := os.ReadDir(dir)
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", dir, err)
			}
			for _, entry := range entries {
				if !entry.IsDir() && strings.HasSuffix(entry.Name(), ext) {
					paths = append(paths, filepath.Join(dir, entry.Name()))
				}
			}
		}
	} else {
		dir := filepath.Join(s.root, kindDir(kind))
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() && strings.HasSuffix(entry.Name(), ext) {
				paths = append(paths, filepath.Join(dir, entry.Name()))
			}
		}
	}

	sort.Slice(paths, func(i, j int) bool {
		return filepath.Base(paths[i]) < filepath.Base(paths[j])
	})
	return paths, nil
}
