package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wazuh/clusterd/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ParsesDirectoriesAndExclusions(t *testing.T) {
	path := writeConfig(t, `{
		"excluded_files": [".swp", "~"],
		"etc/shared": {
			"source": "all",
			"flags": ["close-write", "delete"],
			"recursive": true,
			"files": ["agent.conf"],
			"description": "shared agent config"
		},
		"queue/agent-groups": {
			"source": "master",
			"flags": ["delete"],
			"recursive": false,
			"description": "agent group files"
		}
	}`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.ExcludedFiles) != 2 {
		t.Fatalf("ExcludedFiles = %v, want 2 entries", cfg.ExcludedFiles)
	}

	shared, ok := cfg.Directories["etc/shared"]
	if !ok {
		t.Fatalf("missing etc/shared directory")
	}
	if !shared.Recursive {
		t.Errorf("etc/shared.Recursive = false, want true")
	}
	if !shared.Matches("agent.conf") {
		t.Errorf("etc/shared should match agent.conf")
	}
	if shared.Matches("other.txt") {
		t.Errorf("etc/shared should not match other.txt")
	}

	groups, ok := cfg.Directories["queue/agent-groups"]
	if !ok {
		t.Fatalf("missing queue/agent-groups directory")
	}
	if groups.Recursive {
		t.Errorf("queue/agent-groups.Recursive = true, want false")
	}
	if !groups.Matches("anything") {
		t.Errorf("absent files list should match everything")
	}
}

func TestConfig_Excludes(t *testing.T) {
	path := writeConfig(t, `{"excluded_files": [".tmp"], "dir": {"source": "all"}}`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.Excludes("file.tmp") {
		t.Errorf("Excludes(file.tmp) = false, want true")
	}
	if cfg.Excludes("file.conf") {
		t.Errorf("Excludes(file.conf) = true, want false")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("Load of missing file: want error, got nil")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeConfig(t, `{not valid json`)
	if _, err := config.Load(path); err == nil {
		t.Fatal("Load of invalid JSON: want error, got nil")
	}
}
