// Package watcher, Linux implementation, built on golang.org/x/sys/unix.
//
//go:build linux

package watcher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wazuh/clusterd/internal/watchplan"
)

// dedupQueue is the subset of queue.DedupQueue the reader needs, kept as an
// interface so tests can substitute a plain recorder.
type dedupQueue interface {
	Push(cmd string) bool
}

// watchHandle pairs a live kernel watch descriptor with the plan entry it
// was registered for. Handles are addressed through Reader.handles, an O(1)
// descriptor→handle map, rather than the linear scan the original
// implementation used.
type watchHandle struct {
	wd    int
	entry watchplan.WatchEntry
}

// Reader registers inotify watches for a planned watch set, decodes kernel
// event records, and pushes catalogue commands onto a dedup queue. New
// subdirectories observed under a recursive watch are registered
// dynamically, inheriting the parent entry's mask and file filter.
type Reader struct {
	logger   *slog.Logger
	excluded func(name string) bool
	queue    dedupQueue

	inotifyFd int
	pipeR     int
	pipeW     int

	mu      sync.Mutex
	handles map[int]*watchHandle // watch descriptor -> handle, O(1) lookup

	ready    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// eventSize is the fixed size of the inotify_event header (excluding name).
var eventSize = int(unsafe.Sizeof(unix.InotifyEvent{}))

// New creates a Reader ready to register the given initial watch set.
// excluded reports whether a filename matches the configuration's global
// exclusion list; it is consulted before each entry's own file filter.
func New(entries []watchplan.WatchEntry, excluded func(name string) bool, q dedupQueue, logger *slog.Logger) (*Reader, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("watcher: InotifyInit1: %w", err)
	}

	var pipeFds [2]int
	if err := unix.Pipe2(pipeFds[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("watcher: pipe2: %w", err)
	}

	r := &Reader{
		logger:    logger,
		excluded:  excluded,
		queue:     q,
		inotifyFd: fd,
		pipeR:     pipeFds[0],
		pipeW:     pipeFds[1],
		handles:   make(map[int]*watchHandle),
		ready:     make(chan struct{}),
	}

	for _, e := range entries {
		if err := r.register(e); err != nil {
			r.logger.Warn("watcher: failed to register watch", slog.String("path", e.Path), slog.Any("error", err))
		}
	}

	return r, nil
}

// register adds one kernel watch for entry and indexes it by descriptor.
func (r *Reader) register(e watchplan.WatchEntry) error {
	wd, err := unix.InotifyAddWatch(r.inotifyFd, e.Path, e.Mask)
	if err != nil {
		return fmt.Errorf("InotifyAddWatch(%s): %w", e.Path, err)
	}

	r.mu.Lock()
	r.handles[wd] = &watchHandle{wd: wd, entry: e}
	r.mu.Unlock()

	r.logger.Debug("watcher: registered watch", slog.String("logical", e.Logical), slog.String("path", e.Path))
	return nil
}

// Start begins reading kernel events in a background goroutine. Safe to
// call only once.
func (r *Reader) Start(_ context.Context) error {
	r.wg.Add(1)
	go r.run()
	return nil
}

// Ready is closed once Start's goroutine has begun its read loop.
func (r *Reader) Ready() <-chan struct{} {
	return r.ready
}

// Stop signals the read loop to exit and waits for it to finish. Idempotent.
func (r *Reader) Stop() {
	r.stopOnce.Do(func() {
		unix.Write(r.pipeW, []byte{0}) //nolint:errcheck
		r.wg.Wait()
		unix.Close(r.pipeW)
		unix.Close(r.pipeR)
		unix.Close(r.inotifyFd)
	})
}

// run is the poll(2) loop multiplexing inotify events and the shutdown
// self-pipe.
func (r *Reader) run() {
	defer r.wg.Done()
	close(r.ready)

	// Large enough for many events; each is eventSize plus up to
	// NAME_MAX+1 bytes for the name field.
	buf := make([]byte, 4096*(eventSize+256))

	pollFds := []unix.PollFd{
		{Fd: int32(r.inotifyFd), Events: unix.POLLIN},
		{Fd: int32(r.pipeR), Events: unix.POLLIN},
	}

	for {
		_, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.logger.Warn("watcher: poll error", slog.Any("error", err))
			return
		}

		if pollFds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if pollFds[0].Revents&unix.POLLIN == 0 {
			continue
		}

		n, err := unix.Read(r.inotifyFd, buf)
		if err != nil {
			r.logger.Warn("watcher: read error", slog.Any("error", err))
			return
		}

		// Decode bounded strictly by n, the byte count the kernel actually
		// returned — never by truncating the buffer's last byte.
		r.decode(buf[:n])
	}
}

// decode walks one inotify read's worth of raw event records.
func (r *Reader) decode(buf []byte) {
	for offset := 0; offset+eventSize <= len(buf); {
		ev := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		offset += eventSize

		var name string
		if ev.Len > 0 {
			if offset+int(ev.Len) > len(buf) {
				break
			}
			name = strings.TrimRight(string(buf[offset:offset+int(ev.Len)]), "\x00")
			offset += int(ev.Len)
		}

		r.handle(int(ev.Wd), ev.Mask, name)
	}
}

// handle classifies one decoded event and emits the corresponding
// catalogue commands, per spec.md §4.3.
func (r *Reader) handle(wd int, mask uint32, name string) {
	if mask&unix.IN_Q_OVERFLOW != 0 {
		r.logger.Warn("watcher: inotify queue overflow; some events were dropped")
		return
	}

	r.mu.Lock()
	h, ok := r.handles[wd]
	r.mu.Unlock()
	if !ok {
		return // event for a handle we no longer track
	}
	entry := h.entry

	if name == "" {
		return // event on the watched entry itself, not a contained file
	}

	if r.excluded != nil && r.excluded(name) {
		return
	}
	if !entry.Matches(name) {
		return
	}

	logical := filepath.Join(entry.Logical, name)
	isDir := mask&watchplan.FlagIsDir != 0

	switch {
	case isDir && mask&(watchplan.FlagCreate|watchplan.FlagMovedTo) != 0:
		r.registerSubdirectory(entry, name)
		return

	case mask&watchplan.FlagDelete != 0:
		if isAgentQueueEntry(entry.Logical) {
			r.push(fmt.Sprintf("delete1 %s", logical))
		} else {
			r.push(fmt.Sprintf("update3 %s", logical))
		}

	case mask&entry.Mask != 0:
		r.push(fmt.Sprintf("update1 %s", logical))
		r.pushIntegrityUpdate(entry, name, logical)

	default:
		r.logger.Debug("watcher: unrecognized event mask", slog.Uint64("mask", uint64(mask)))
	}
}

// registerSubdirectory adds a new watch for a directory created inside a
// recursive watch, inheriting the parent's mask and filter. Registration
// happens synchronously, before the event loop continues to the next
// kernel record. Changes made inside the new subdirectory before its watch
// is in place produce no events.
func (r *Reader) registerSubdirectory(parent watchplan.WatchEntry, name string) {
	sub := watchplan.WatchEntry{
		Logical: filepath.Join(parent.Logical, name),
		Path:    filepath.Join(parent.Path, name),
		Mask:    parent.Mask,
		Files:   parent.Files,
	}
	if err := r.register(sub); err != nil {
		r.logger.Warn("watcher: failed to register new subdirectory", slog.String("path", sub.Path), slog.Any("error", err))
	}
}

// pushIntegrityUpdate computes the MD5 and mtime of the exact file that
// changed — never the watched directory's own path, which is the bug
// spec.md flags as not to be replicated — and pushes an updatefile
// command. If the file has already disappeared, the update is dropped
// silently; the next rescan or event resolves the state.
func (r *Reader) pushIntegrityUpdate(entry watchplan.WatchEntry, name, logical string) {
	path := filepath.Join(entry.Path, name)

	info, err := os.Stat(path)
	if err != nil {
		return
	}

	sum, err := hashFile(path)
	if err != nil {
		return
	}

	r.push(fmt.Sprintf("updatefile %s %d %s", sum, info.ModTime().Unix(), logical))
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// push forwards a built command to the dedup queue. The reader never
// blocks on the queue consumer: Push is itself non-blocking and absorbs
// overflow via its drop policy.
func (r *Reader) push(cmd string) {
	r.queue.Push(cmd)
}

// isAgentQueueEntry reports whether a logical name falls under the
// agent-queue namespace (it begins with "queue/agent-", with or without a
// leading slash), where deletions are hard removals (delete1) rather than
// tombstones (update3).
func isAgentQueueEntry(logical string) bool {
	return strings.HasPrefix(strings.TrimPrefix(logical, "/"), "queue/agent-")
}
