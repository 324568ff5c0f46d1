// Package devwatch wraps inotify for the synthetic-change logic in
// spec.md §4.7: watching device nodes for IN_CLOSE_WRITE and resolving a
// watch descriptor back to the device it belongs to.
package devwatch

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// EventKind is the subset of inotify events the supervisor acts on.
type EventKind int

const (
	EventCloseWrite EventKind = iota
	EventIgnored
)

// Event is a resolved inotify notification.
type Event struct {
	Kind    EventKind
	Devpath string
}

// Watcher wraps a single inotify instance, mapping watch descriptors back
// to the devpath that was being watched so Read can resolve watch
// notifications to devices (udev_watch_begin's role in the original
// daemon).
type Watcher struct {
	fd int

	mu     sync.Mutex
	byWD   map[int]string
	byPath map[string]int
}

// New opens a new inotify instance.
func New() (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("devwatch: inotify_init1: %w", err)
	}
	return &Watcher{
		fd:     fd,
		byWD:   make(map[int]string),
		byPath: make(map[string]int),
	}, nil
}

func (w *Watcher) FD() int { return w.fd }

// Watch installs (or re-installs) a watch on path for IN_CLOSE_WRITE.
func (w *Watcher) Watch(path string) error {
	wd, err := unix.InotifyAddWatch(w.fd, path, unix.IN_CLOSE_WRITE)
	if err != nil {
		return fmt.Errorf("devwatch: inotify_add_watch(%q): %w", path, err)
	}
	w.mu.Lock()
	if oldWD, ok := w.byPath[path]; ok {
		delete(w.byWD, oldWD)
	}
	w.byWD[wd] = path
	w.byPath[path] = wd
	w.mu.Unlock()
	return nil
}

// Unwatch drops a watch (used on IN_IGNORED, which the kernel raises
// automatically when a watched file is removed).
func (w *Watcher) Unwatch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if wd, ok := w.byPath[path]; ok {
		delete(w.byPath, path)
		delete(w.byWD, wd)
	}
}

// Read drains all pending inotify records and resolves each to a devpath.
func (w *Watcher) Read() ([]Event, error) {
	buf := make([]byte, 64*(unix.SizeofInotifyEvent+unix.PathMax+1))
	n, err := unix.Read(w.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return nil, nil
		}
		return nil, fmt.Errorf("devwatch: read: %w", err)
	}

	var events []Event
	offset := 0
	for offset+unix.SizeofInotifyEvent <= n {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		wd := int(raw.Wd)
		mask := raw.Mask
		nameLen := int(raw.Len)
		offset += unix.SizeofInotifyEvent + nameLen

		w.mu.Lock()
		path, known := w.byWD[wd]
		w.mu.Unlock()
		if !known {
			continue
		}

		switch {
		case mask&unix.IN_IGNORED != 0:
			w.Unwatch(path)
			events = append(events, Event{Kind: EventIgnored, Devpath: path})
		case mask&unix.IN_CLOSE_WRITE != 0:
			events = append(events, Event{Kind: EventCloseWrite, Devpath: path})
		}
	}
	return events, nil
}

func (w *Watcher) Close() error {
	return unix.Close(w.fd)
}
