// Package config loads the cluster daemon's JSON directory-watch
// configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// excludedFilesKey is the reserved top-level key holding the exclusion list.
const excludedFilesKey = "excluded_files"

// Directory describes one watched location as declared in the configuration
// document. Source is a node-role string, or "all" to watch regardless of
// role. An absent files list is loaded as ["all"], meaning "match
// everything"; Matches treats a nil Files the same way, and callers should
// prefer Matches over inspecting Files directly.
type Directory struct {
	Source      string   `json:"source"`
	Flags       []string `json:"flags"`
	Recursive   bool     `json:"recursive"`
	Files       []string `json:"files"`
	Description string   `json:"description"`
}

// Matches reports whether name satisfies this directory's file filter. An
// absent Files list (or the literal "all") matches everything.
func (d Directory) Matches(name string) bool {
	if len(d.Files) == 0 {
		return true
	}
	for _, f := range d.Files {
		if f == "all" {
			return true
		}
		if containsSubstring(name, f) {
			return true
		}
	}
	return false
}

// Config is the parsed configuration tree: the watched directories keyed by
// their logical (install-prefix-relative) name, and the global exclusion
// list. Load returns a Config that is never mutated or shared again —
// callers (the watch planner) take a one-time snapshot of it.
type Config struct {
	Directories   map[string]Directory
	ExcludedFiles []string
}

// Excludes reports whether name matches any of the configured global
// exclusion substrings.
func (c *Config) Excludes(name string) bool {
	for _, ex := range c.ExcludedFiles {
		if containsSubstring(name, ex) {
			return true
		}
	}
	return false
}

// UnmarshalJSON splits the reserved excluded_files key from the rest of the
// top-level object, which is otherwise a map of directory name to Directory.
func (c *Config) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: decode top level: %w", err)
	}

	dirs := make(map[string]Directory, len(raw))
	var excluded []string

	for key, val := range raw {
		if key == excludedFilesKey {
			if err := json.Unmarshal(val, &excluded); err != nil {
				return fmt.Errorf("config: decode %s: %w", excludedFilesKey, err)
			}
			continue
		}
		var d Directory
		if err := json.Unmarshal(val, &d); err != nil {
			return fmt.Errorf("config: decode directory %q: %w", key, err)
		}
		if len(d.Files) == 0 {
			d.Files = []string{"all"}
		}
		dirs[key] = d
	}

	c.Directories = dirs
	c.ExcludedFiles = excluded
	return nil
}

// Load reads and parses the JSON configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}

// containsSubstring reports whether s contains substr, matching the
// original implementation's plain substring semantics (no globbing).
func containsSubstring(s, substr string) bool {
	return strings.Contains(s, substr)
}
