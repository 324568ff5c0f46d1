// Package queueing implements the event queue and the busy predicate that
// decides which queued events may run concurrently without violating
// device-topology ordering.
package queueing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/duskflow/devmgrd/internal/device"
	"github.com/duskflow/devmgrd/internal/timeout"
)

// State is an event's position in its lifecycle.
type State int

const (
	StateQueued State = iota
	StateRunning
)

// WorkerHandle is the minimal view of a worker an Event needs. It exists so
// this package never imports internal/worker: the pool attaches itself to
// an Event through this interface instead.
type WorkerHandle interface {
	Pid() int
}

// Event is one pending or running uevent, keyed by its immutable, unique
// seqnum.
type Event struct {
	Device       *device.Device
	DeviceKernel *device.Device

	State State

	Seqnum     uint64
	Devpath    string
	DevpathOld string
	Devnum     device.Devnum
	Ifindex    int
	IsBlock    bool

	// DelayingSeqnum caches the seqnum of the latest event observed to
	// block this one. It never exceeds Seqnum and never decreases while
	// the event is queued.
	DelayingSeqnum uint64

	Worker WorkerHandle
	Timers *timeout.Pair
}

// Less implements btree.Item, ordering events by seqnum (equivalently,
// insertion order: seqnums are assigned monotonically at enqueue time).
func (e *Event) Less(than btree.Item) bool {
	return e.Seqnum < than.(*Event).Seqnum
}

func newEvent(dev *device.Device) *Event {
	return &Event{
		Device:       dev,
		DeviceKernel: dev.Clone(),
		State:        StateQueued,
		Seqnum:       dev.Seqnum,
		Devpath:      dev.Devpath,
		DevpathOld:   dev.DevpathOld,
		Devnum:       dev.Devnum,
		Ifindex:      dev.Ifindex,
		IsBlock:      dev.IsBlock(),
	}
}

// Queue is the ordered collection of pending/running events backed by a
// btree keyed on seqnum, giving the insertion-order ascent the busy
// predicate requires plus O(log n) insert/delete.
type Queue struct {
	mu   sync.Mutex
	tree *btree.BTree

	markerPath    string
	ownerPID      int
	markerPresent bool
}

// degree is the btree branching factor; 32 is the library's own suggested
// default for small-to-medium in-memory sets like this one.
const degree = 32

// New creates an empty queue. markerPath is the filesystem marker (default
// "/run/udev/queue") that exists iff the queue is non-empty; it is only
// ever created or removed by the pid that created the Queue, matching the
// "owning pid" invariant.
func New(markerPath string) *Queue {
	return &Queue{
		tree:     btree.New(degree),
		markerPath: markerPath,
		ownerPID: os.Getpid(),
	}
}

// ErrForeignPID is returned by Insert/Cleanup if called from a pid other
// than the one that created the Queue (e.g. after an unexpected fork).
var ErrForeignPID = fmt.Errorf("queueing: operation attempted from non-owning pid")

// Insert builds an Event from dev, appends it to the tail (by seqnum), and
// updates the queue marker file on an empty-to-nonempty transition.
func (q *Queue) Insert(dev *device.Device) (*Event, error) {
	if os.Getpid() != q.ownerPID {
		return nil, ErrForeignPID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	wasEmpty := q.tree.Len() == 0
	e := newEvent(dev)
	q.tree.ReplaceOrInsert(e)

	if wasEmpty {
		if err := q.createMarker(); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Filter selects which events Cleanup frees.
type Filter int

const (
	FilterAny Filter = iota
	FilterQueuedOnly
)

// Cleanup frees every event matching filter. FilterAny clears the whole
// queue (used at shutdown); FilterQueuedOnly drops only not-yet-dispatched
// events (used when manager_exit discards pending work but lets RUNNING
// events finish their current timeout cycle).
func (q *Queue) Cleanup(filter Filter) error {
	if os.Getpid() != q.ownerPID {
		return ErrForeignPID
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if filter == FilterAny {
		q.tree.Clear(false)
		return q.removeMarkerLocked()
	}

	var toRemove []btree.Item
	q.tree.Ascend(func(it btree.Item) bool {
		e := it.(*Event)
		if e.State == StateQueued {
			toRemove = append(toRemove, e)
		}
		return true
	})
	for _, it := range toRemove {
		q.tree.Delete(it)
	}
	if q.tree.Len() == 0 {
		return q.removeMarkerLocked()
	}
	return nil
}

// Free removes a single event (worker completion, or a forced cleanup path)
// and updates the marker on a nonempty-to-empty transition.
func (q *Queue) Free(e *Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.Timers != nil {
		e.Timers.Cancel()
	}
	q.tree.Delete(e)
	if q.tree.Len() == 0 {
		return q.removeMarkerLocked()
	}
	return nil
}

// Len returns the number of events currently queued or running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

func (q *Queue) createMarker() error {
	if q.markerPath == "" || q.markerPresent {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(q.markerPath), 0o755); err != nil {
		return fmt.Errorf("queueing: creating marker dir: %w", err)
	}
	f, err := os.OpenFile(q.markerPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("queueing: creating marker: %w", err)
	}
	f.Close()
	q.markerPresent = true
	return nil
}

func (q *Queue) removeMarkerLocked() error {
	if q.markerPath == "" || !q.markerPresent {
		return nil
	}
	if err := os.Remove(q.markerPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("queueing: removing marker: %w", err)
	}
	q.markerPresent = false
	return nil
}

// IsBusy implements the busy predicate from the component design: it walks
// the queue in insertion (seqnum) order looking for an earlier event that
// must still serialize ahead of e.
func (q *Queue) IsBusy(e *Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isBusyLocked(e)
}

// ScanAndDispatch walks the queue in insertion order and hands every
// not-busy, still-QUEUED event to dispatch.
func (q *Queue) ScanAndDispatch(dispatch func(*Event)) {
	var runnable []*Event

	q.mu.Lock()
	q.tree.Ascend(func(it btree.Item) bool {
		e := it.(*Event)
		if e.State != StateQueued {
			return true
		}
		if !q.isBusyLocked(e) {
			runnable = append(runnable, e)
		}
		return true
	})
	q.mu.Unlock()

	for _, e := range runnable {
		dispatch(e)
	}
}

// isBusyLocked is IsBusy's body, callable while q.mu is already held (used
// from ScanAndDispatch, which holds the lock across its whole walk so the
// busy predicate sees a consistent snapshot).
func (q *Queue) isBusyLocked(e *Event) bool {
	busy := false
	q.tree.Ascend(func(it btree.Item) bool {
		other := it.(*Event)
		if other == e {
			return false
		}
		switch {
		case other.Seqnum < e.DelayingSeqnum:
			return true
		case other.Seqnum == e.DelayingSeqnum:
			busy = true
			return false
		case other.Seqnum >= e.Seqnum:
			return false
		case e.Devnum.Major != 0 && e.Devnum == other.Devnum && e.IsBlock == other.IsBlock:
			e.DelayingSeqnum = other.Seqnum
			busy = true
			return false
		case e.Ifindex > 0 && e.Ifindex == other.Ifindex:
			busy = true
			return false
		case e.DevpathOld != "" && e.DevpathOld == other.Devpath:
			e.DelayingSeqnum = other.Seqnum
			busy = true
			return false
		}

		common := len(e.Devpath)
		if len(other.Devpath) < common {
			common = len(other.Devpath)
		}
		if e.Devpath[:common] != other.Devpath[:common] {
			return true
		}
		switch {
		case len(e.Devpath) == len(other.Devpath):
			if e.Devnum.Major != 0 || e.Ifindex > 0 {
				return true
			}
			e.DelayingSeqnum = other.Seqnum
			busy = true
			return false
		case strings.HasPrefix(e.Devpath[common:], "/"):
			e.DelayingSeqnum = other.Seqnum
			busy = true
			return false
		case strings.HasPrefix(other.Devpath[common:], "/"):
			e.DelayingSeqnum = other.Seqnum
			busy = true
			return false
		}
		return true
	})
	return busy
}

// MarkerPresent reports whether the queue marker file currently exists, for
// tests and invariant checks.
func (q *Queue) MarkerPresent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markerPresent
}
