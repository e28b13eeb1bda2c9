// Package watchplan expands a loaded configuration into the concrete set of
// filesystem locations the event reader must register with the kernel.
package watchplan

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/wazuh/clusterd/internal/config"
)

// Kernel notification flag bits (Linux inotify ABI).
const (
	FlagAccess      uint32 = 0x1
	FlagModify      uint32 = 0x2
	FlagAttrib      uint32 = 0x4
	FlagCloseWrite  uint32 = 0x8
	FlagCloseNoWrite uint32 = 0x10
	FlagOpen        uint32 = 0x20
	FlagMovedFrom   uint32 = 0x40
	FlagMovedTo     uint32 = 0x80
	FlagCreate      uint32 = 0x100
	FlagDelete      uint32 = 0x200
	FlagDeleteSelf  uint32 = 0x400
	FlagMoveSelf    uint32 = 0x800
	FlagAllEvents   uint32 = 0xfff
	FlagDontFollow  uint32 = 0x02000000
	FlagMaskAdd     uint32 = 0x20000000
	FlagOneshot     uint32 = 0x80000000
	FlagOnlyDir     uint32 = 0x01000000
	FlagMove        uint32 = FlagMovedFrom | FlagMovedTo
	FlagClose       uint32 = FlagCloseWrite | FlagCloseNoWrite
	FlagIsDir       uint32 = 0x40000000
)

// flagNames maps the configuration's textual flag names to kernel bits.
// Names that do not appear here silently contribute no bits, matching
// spec.md's "unknown names silently contribute no bits" rule.
var flagNames = map[string]uint32{
	"access":        FlagAccess,
	"modify":        FlagModify,
	"attrib":        FlagAttrib,
	"close-write":   FlagCloseWrite,
	"close-nowrite": FlagCloseNoWrite,
	"open":          FlagOpen,
	"moved-from":    FlagMovedFrom,
	"moved-to":      FlagMovedTo,
	"create":        FlagCreate,
	"delete":        FlagDelete,
	"delete-self":   FlagDeleteSelf,
	"move-self":     FlagMoveSelf,
	"all-events":    FlagAllEvents,
	"dont-follow":   FlagDontFollow,
	"mask-add":      FlagMaskAdd,
	"oneshot":       FlagOneshot,
	"onlydir":       FlagOnlyDir,
	"move":          FlagMove,
	"close":         FlagClose,
	"isdir":         FlagIsDir,
}

// FlagMask translates a configured flag-name list into a kernel event mask.
func FlagMask(names []string) uint32 {
	var mask uint32
	for _, n := range names {
		mask |= flagNames[n]
	}
	return mask
}

// WatchEntry is a concrete directory or file the event reader must monitor.
// Entries are produced by Expand and may be appended to at runtime by the
// event reader when a recursive watch observes a new subdirectory.
type WatchEntry struct {
	Logical string   // catalogue path key, stable across installs
	Path    string   // absolute path on disk
	Mask    uint32   // kernel notification mask
	Files   []string // inclusion filter; ["all"] matches everything
}

// Matches reports whether name satisfies this entry's inclusion filter.
func (e WatchEntry) Matches(name string) bool {
	return config.Directory{Files: e.Files}.Matches(name)
}

// Expand walks cfg's directories and produces the concrete watch set for the
// given node role. A directory participates if its Source is "all" or
// equals role. Recursive directories contribute one entry per subdirectory
// in addition to the root, enumerated depth-first.
//
// Any I/O error while enumerating a recursive directory is returned
// immediately: per spec.md §4.2, an incomplete watch set is a fatal startup
// condition, not a partial result to limp along with.
func Expand(cfg *config.Config, installPrefix, role string) ([]WatchEntry, error) {
	var entries []WatchEntry

	for logical, dir := range cfg.Directories {
		if dir.Source != "all" && dir.Source != role {
			continue
		}

		root := filepath.Join(installPrefix, logical)
		mask := FlagMask(dir.Flags)
		files := dir.Files
		if len(files) == 0 {
			files = []string{"all"}
		}

		entries = append(entries, WatchEntry{
			Logical: logical,
			Path:    root,
			Mask:    mask,
			Files:   files,
		})

		if !dir.Recursive {
			continue
		}

		subdirs, err := subdirectories(root)
		if err != nil {
			return nil, fmt.Errorf("watchplan: enumerate %s: %w", root, err)
		}

		for _, sub := range subdirs {
			rel, err := filepath.Rel(root, sub)
			if err != nil {
				return nil, fmt.Errorf("watchplan: relativize %s: %w", sub, err)
			}
			entries = append(entries, WatchEntry{
				Logical: filepath.Join(logical, rel),
				Path:    sub,
				Mask:    mask,
				Files:   files,
			})
		}
	}

	return entries, nil
}

// subdirectories depth-first enumerates every directory under root,
// excluding root itself. "." and ".." are never yielded by fs.WalkDir.
func subdirectories(root string) ([]string, error) {
	var subs []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			subs = append(subs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subs, nil
}
