// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadFile loads a key file into a protected buffer. Leading and
// trailing whitespace is trimmed before storing, so a trailing
// newline from an editor does not become part of the key. Returns an
// error if the file is empty after trimming.
//
// The returned buffer must be closed by the caller.
func ReadFile(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("key file %s is empty", path)
	}

	// NewFromBytes zeros trimmed; the surrounding whitespace bytes
	// still hold nothing sensitive but are cleared with the rest.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
