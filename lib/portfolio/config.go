// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tidwall/jsonc"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/contentscan"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/snapshot"
)

// ConfigFilename is the conventional name of the portfolio
// configuration file.
const ConfigFilename = "portfolio.jsonc"

// Config is the parsed portfolio configuration. Authored as JSONC
// (JSON with // comments, /* blocks */, and trailing commas); the
// zero-ish defaults come from DefaultConfig.
type Config struct {
	// Root is the portfolio directory. Required.
	Root string `json:"root"`

	// MediumAction selects what the content scanner does with
	// medium-severity findings: "sanitize" (replace the matched span
	// and accept) or "reject". Default "sanitize".
	MediumAction string `json:"medium_action"`

	// LockTimeoutMS bounds how long an operation waits for a
	// contended element lock, in milliseconds. Default 5000.
	LockTimeoutMS int `json:"lock_timeout_ms"`

	// AuditDB is the SQLite audit log path. A relative path resolves
	// under Root. Empty keeps audit events on the structured log
	// only.
	AuditDB string `json:"audit_db"`

	// SnapshotCompression is "none", "lz4", or "zstd". Default
	// "zstd".
	SnapshotCompression string `json:"snapshot_compression"`

	// SnapshotKeyFile names a file holding snapshot sealing key
	// material (at least 16 random bytes). A relative path resolves
	// under Root. Empty writes snapshots unsealed.
	SnapshotKeyFile string `json:"snapshot_key_file"`
}

// DefaultConfig returns the configuration used when a field (or the
// whole file) is absent. Root has no default.
func DefaultConfig() *Config {
	return &Config{
		MediumAction:        "sanitize",
		LockTimeoutMS:       5000,
		SnapshotCompression: "zstd",
	}
}

// ParseConfig strips JSONC comments and trailing commas from data,
// then decodes it over the defaults. Unknown fields are rejected; a
// misspelled option should fail loudly, not silently do nothing.
func ParseConfig(data []byte) (*Config, error) {
	stripped := jsonc.ToJSON(data)

	cfg := DefaultConfig()
	decoder := json.NewDecoder(bytes.NewReader(stripped))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing portfolio config: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return nil, fmt.Errorf("parsing portfolio config: trailing data after the configuration object")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadConfigFile reads and parses a JSONC configuration file.
func ReadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values and cross-field consistency.
func (c *Config) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("portfolio config: root is required")
	}
	switch c.MediumAction {
	case "sanitize", "reject":
	default:
		return fmt.Errorf("portfolio config: medium_action %q (want \"sanitize\" or \"reject\")", c.MediumAction)
	}
	if c.LockTimeoutMS <= 0 {
		return fmt.Errorf("portfolio config: lock_timeout_ms must be positive, got %d", c.LockTimeoutMS)
	}
	if _, err := snapshot.ParseCompressionTag(c.SnapshotCompression); err != nil {
		return fmt.Errorf("portfolio config: snapshot_compression: %w", err)
	}
	return nil
}

// LockTimeout returns the lock wait bound as a duration.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

// ScannerPolicy maps the configured medium action onto the content
// scanner's policy type.
func (c *Config) ScannerPolicy() contentscan.Policy {
	if c.MediumAction == "reject" {
		return contentscan.Policy{MediumAction: contentscan.MediumReject}
	}
	return contentscan.Policy{MediumAction: contentscan.MediumSanitize}
}

// CompressionTag returns the configured snapshot compression.
// Validate has already vetted the string; unknown values fall back to
// zstd rather than corrupting a snapshot.
func (c *Config) CompressionTag() snapshot.CompressionTag {
	tag, err := snapshot.ParseCompressionTag(c.SnapshotCompression)
	if err != nil {
		return snapshot.CompressionZstd
	}
	return tag
}

// AuditDBPath resolves the audit log location, or "" when disabled.
func (c *Config) AuditDBPath() string {
	return c.resolve(c.AuditDB)
}

// SnapshotKeyPath resolves the sealing key file, or "" when
// snapshots are unsealed.
func (c *Config) SnapshotKeyPath() string {
	return c.resolve(c.SnapshotKeyFile)
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, path)
}
