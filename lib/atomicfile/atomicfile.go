// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces the file at path with data. The
// parent directory must already exist. On any failure the temporary
// file is removed and the destination is untouched.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	file, err := os.CreateTemp(dir, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	// Write, sync, close, rename, in that order. If any step fails,
	// remove the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file for %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file for %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file for %s: %w", path, err)
	}

	// CreateTemp opens with mode 0600; widen to the requested mode
	// before the file becomes visible under its real name.
	if err := os.Chmod(temporaryPath, perm); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("setting mode on temporary file for %s: %w", path, err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	syncDir(dir)
	return nil
}

// Remove deletes path and syncs the parent directory so the deletion
// is durable. Idempotent: returns nil when the file does not exist.
func Remove(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("removing %s: %w", path, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir flushes directory metadata. Best effort: some filesystems
// refuse to sync directories, and the rename already happened.
func syncDir(dir string) {
	handle, err := os.Open(dir)
	if err == nil {
		handle.Sync()
		handle.Close()
	}
}
