//go:build linux

package watcher_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wazuh/clusterd/internal/watchplan"
	"github.com/wazuh/clusterd/internal/watcher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingQueue is a minimal dedupQueue stand-in that records every
// pushed command, for assertions without pulling in the real queue.
type recordingQueue struct {
	mu   sync.Mutex
	cmds []string
}

func (q *recordingQueue) Push(cmd string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cmds = append(q.cmds, cmd)
	return true
}

func (q *recordingQueue) snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.cmds))
	copy(out, q.cmds)
	return out
}

func waitForCommand(t *testing.T, q *recordingQueue, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range q.snapshot() {
			if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
				return c
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no command with prefix %q observed within deadline; got %v", prefix, q.snapshot())
	return ""
}

func startReader(t *testing.T, entries []watchplan.WatchEntry, excluded func(string) bool) (*watcher.Reader, *recordingQueue) {
	t.Helper()
	q := &recordingQueue{}
	r, err := watcher.New(entries, excluded, q, testLogger())
	if err != nil {
		t.Fatalf("watcher.New: %v", err)
	}
	if err := r.Start(nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(r.Stop)

	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not become ready in time")
	}
	return r, q
}

func TestReader_DetectsFileWrite(t *testing.T) {
	dir := t.TempDir()
	entry := watchplan.WatchEntry{
		Logical: "etc/shared",
		Path:    dir,
		Mask:    watchplan.FlagCloseWrite | watchplan.FlagCreate | watchplan.FlagDelete,
		Files:   []string{"all"},
	}

	_, q := startReader(t, []watchplan.WatchEntry{entry}, nil)

	target := filepath.Join(dir, "agent.conf")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	update := waitForCommand(t, q, "update1 ")
	if update != "update1 etc/shared/agent.conf" {
		t.Errorf("update1 command = %q, want %q", update, "update1 etc/shared/agent.conf")
	}
	waitForCommand(t, q, "updatefile ")
}

func TestReader_DetectsDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "agent.conf")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := watchplan.WatchEntry{
		Logical: "etc/shared",
		Path:    dir,
		Mask:    watchplan.FlagDelete,
		Files:   []string{"all"},
	}
	_, q := startReader(t, []watchplan.WatchEntry{entry}, nil)

	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}

	cmd := waitForCommand(t, q, "update3 ")
	if cmd != "update3 etc/shared/agent.conf" {
		t.Errorf("delete command = %q, want update3 etc/shared/agent.conf", cmd)
	}
}

func TestReader_MovedFromFallsThroughToModification(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "agent.conf")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := watchplan.WatchEntry{
		Logical: "etc/shared",
		Path:    dir,
		Mask:    watchplan.FlagMovedFrom | watchplan.FlagCloseWrite,
		Files:   []string{"all"},
	}
	_, q := startReader(t, []watchplan.WatchEntry{entry}, nil)

	if err := os.Rename(target, filepath.Join(t.TempDir(), "agent.conf")); err != nil {
		t.Fatal(err)
	}

	cmd := waitForCommand(t, q, "update1 ")
	if cmd != "update1 etc/shared/agent.conf" {
		t.Errorf("moved-from command = %q, want update1 etc/shared/agent.conf", cmd)
	}
	for _, c := range q.snapshot() {
		if len(c) >= len("update3") && c[:len("update3")] == "update3" {
			t.Errorf("moved-from incorrectly produced a delete command: %v", q.snapshot())
		}
		if len(c) >= len("delete1") && c[:len("delete1")] == "delete1" {
			t.Errorf("moved-from incorrectly produced a delete command: %v", q.snapshot())
		}
	}
}

func TestReader_DeleteUnderAgentQueueEmitsHardDelete(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "client.keys")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	entry := watchplan.WatchEntry{
		Logical: "queue/agent-001",
		Path:    dir,
		Mask:    watchplan.FlagDelete,
		Files:   []string{"all"},
	}
	_, q := startReader(t, []watchplan.WatchEntry{entry}, nil)

	if err := os.Remove(target); err != nil {
		t.Fatal(err)
	}

	cmd := waitForCommand(t, q, "delete1 ")
	if cmd != "delete1 queue/agent-001/client.keys" {
		t.Errorf("delete command = %q, want delete1 queue/agent-001/client.keys", cmd)
	}
}

func TestReader_ExclusionDropsEvent(t *testing.T) {
	dir := t.TempDir()
	entry := watchplan.WatchEntry{
		Logical: "etc/shared",
		Path:    dir,
		Mask:    watchplan.FlagCloseWrite,
		Files:   []string{"all"},
	}
	_, q := startReader(t, []watchplan.WatchEntry{entry}, func(name string) bool {
		return name == "ignored.swp"
	})

	if err := os.WriteFile(filepath.Join(dir, "ignored.swp"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if len(q.snapshot()) != 0 {
		t.Fatalf("excluded file produced commands: %v", q.snapshot())
	}
}

func TestReader_RecursiveSubdirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	entry := watchplan.WatchEntry{
		Logical: "etc/shared",
		Path:    dir,
		Mask:    watchplan.FlagCreate | watchplan.FlagCloseWrite,
		Files:   []string{"all"},
	}
	_, q := startReader(t, []watchplan.WatchEntry{entry}, nil)

	sub := filepath.Join(dir, "group1")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	// Give the reader a moment to register the new subdirectory before
	// writing inside it.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(sub, "merged.mg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := waitForCommand(t, q, "update1 ")
	if cmd != "update1 etc/shared/group1/merged.mg" {
		t.Errorf("update1 command = %q, want etc/shared/group1/merged.mg target", cmd)
	}
}
