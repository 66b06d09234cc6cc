// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package portfolio

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DollhouseMCP/mcp-server-sub018/lib/contentscan"
	"github.com/DollhouseMCP/mcp-server-sub018/lib/snapshot"
)

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(`{"root": "/srv/portfolio"}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Root != "/srv/portfolio" {
		t.Errorf("Root = %q, want /srv/portfolio", cfg.Root)
	}
	if cfg.MediumAction != "sanitize" {
		t.Errorf("MediumAction = %q, want sanitize", cfg.MediumAction)
	}
	if cfg.LockTimeoutMS != 5000 {
		t.Errorf("LockTimeoutMS = %d, want 5000", cfg.LockTimeoutMS)
	}
	if cfg.SnapshotCompression != "zstd" {
		t.Errorf("SnapshotCompression = %q, want zstd", cfg.SnapshotCompression)
	}
	if cfg.AuditDB != "" || cfg.SnapshotKeyFile != "" {
		t.Errorf("optional paths should default empty, got audit=%q key=%q",
			cfg.AuditDB, cfg.SnapshotKeyFile)
	}
}

func TestParseConfigJSONCSyntax(t *testing.T) {
	t.Parallel()

	// Comments and trailing commas are part of the accepted syntax.
	raw := `{
		// where everything lives
		"root": "/srv/portfolio",
		/* tighten the scanner */
		"medium_action": "reject",
		"lock_timeout_ms": 250,
		"snapshot_compression": "lz4",
	}`
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.MediumAction != "reject" {
		t.Errorf("MediumAction = %q, want reject", cfg.MediumAction)
	}
	if cfg.LockTimeoutMS != 250 {
		t.Errorf("LockTimeoutMS = %d, want 250", cfg.LockTimeoutMS)
	}
	if got := cfg.CompressionTag(); got != snapshot.CompressionLZ4 {
		t.Errorf("CompressionTag() = %v, want lz4", got)
	}
}

func TestParseConfigRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ParseConfig([]byte(`{"root": "/srv/p", "lock_timeout": 100}`))
	if err == nil {
		t.Fatal("ParseConfig accepted a misspelled field")
	}
	if !strings.Contains(err.Error(), "lock_timeout") {
		t.Errorf("error should name the unknown field, got: %v", err)
	}
}

func TestParseConfigValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"missing root", `{}`, "root is required"},
		{"bad medium action", `{"root": "/p", "medium_action": "ignore"}`, "medium_action"},
		{"zero timeout", `{"root": "/p", "lock_timeout_ms": 0}`, "lock_timeout_ms"},
		{"negative timeout", `{"root": "/p", "lock_timeout_ms": -1}`, "lock_timeout_ms"},
		{"bad compression", `{"root": "/p", "snapshot_compression": "gzip"}`, "snapshot_compression"},
		{"not json", `root = /p`, "parsing"},
		{"trailing data", `{"root": "/p"} {"root": "/q"}`, "trailing"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.raw))
			if err == nil {
				t.Fatalf("ParseConfig(%s) succeeded, want error", tt.raw)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestReadConfigFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFilename)
	content := `{
		"root": "/srv/portfolio", // trailing comment
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfigFile(path)
	if err != nil {
		t.Fatalf("ReadConfigFile: %v", err)
	}
	if cfg.Root != "/srv/portfolio" {
		t.Errorf("Root = %q, want /srv/portfolio", cfg.Root)
	}

	if _, err := ReadConfigFile(filepath.Join(dir, "absent.jsonc")); err == nil {
		t.Error("ReadConfigFile on a missing file should fail")
	}
}

func TestConfigPathResolution(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Root:            "/srv/portfolio",
		AuditDB:         "audit.db",
		SnapshotKeyFile: "/etc/dollhouse/snapshot.key",
	}
	if got := cfg.AuditDBPath(); got != filepath.Join("/srv/portfolio", "audit.db") {
		t.Errorf("AuditDBPath() = %q, want it resolved under root", got)
	}
	if got := cfg.SnapshotKeyPath(); got != "/etc/dollhouse/snapshot.key" {
		t.Errorf("SnapshotKeyPath() = %q, absolute paths must pass through", got)
	}

	cfg.AuditDB = ""
	if got := cfg.AuditDBPath(); got != "" {
		t.Errorf("AuditDBPath() = %q, want empty when unset", got)
	}
}

func TestConfigDerivedValues(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Root = "/p"
	if got := cfg.LockTimeout(); got != 5*time.Second {
		t.Errorf("LockTimeout() = %v, want 5s", got)
	}
	if got := cfg.ScannerPolicy().MediumAction; got != contentscan.MediumSanitize {
		t.Errorf("ScannerPolicy().MediumAction = %v, want sanitize", got)
	}

	cfg.MediumAction = "reject"
	if got := cfg.ScannerPolicy().MediumAction; got != contentscan.MediumReject {
		t.Errorf("ScannerPolicy().MediumAction = %v, want reject", got)
	}
}
