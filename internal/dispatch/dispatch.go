// Package dispatch implements event_run: binding a runnable event to an
// idle worker, spawning a new one, or leaving it queued for the next pass.
package dispatch

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskflow/devmgrd/internal/queueing"
	"github.com/duskflow/devmgrd/internal/timeout"
	"github.com/duskflow/devmgrd/internal/worker"
)

// defaultEventTimeout matches config.Default()'s EventTimeout (180s); used
// only if SetEventTimeout is never called (e.g. in tests that don't care
// about the warn/kill timers).
const defaultEventTimeout = 180 * time.Second

// Dispatcher binds runnable events to workers.
type Dispatcher struct {
	pool         *worker.Pool
	log          *logrus.Entry
	exits        chan<- worker.ExitReport
	eventTimeout time.Duration
}

// New builds a Dispatcher. Every worker this Dispatcher spawns is watched
// by its own goroutine; its eventual exit (clean or not) is reported on
// exits, the substitute for the original daemon's SIGCHLD-driven reap.
func New(pool *worker.Pool, log *logrus.Entry, exits chan<- worker.ExitReport) *Dispatcher {
	return &Dispatcher{
		pool:         pool,
		log:          log.WithField("component", "dispatch"),
		exits:        exits,
		eventTimeout: defaultEventTimeout,
	}
}

// SetEventTimeout updates the per-event warn/kill timeout newly attached
// events are armed with (spec.md §4.4); supervisor.NewManager calls this
// with the configured -t/--event-timeout once at startup, and no control
// message changes it afterwards. Non-positive values are ignored.
func (d *Dispatcher) SetEventTimeout(t time.Duration) {
	if t > 0 {
		d.eventTimeout = t
	}
}

// Run implements event_run: scan the pool for an idle worker; if sending to
// it fails, the worker is treated as unresponsive (hard-killed) and the
// next idle worker is tried. Absent any idle worker, spawn a new one if the
// pool has room; otherwise leave e queued for the next scan_and_dispatch.
func (d *Dispatcher) Run(e *queueing.Event) {
	for {
		w := d.pool.FindIdle()
		if w == nil {
			break
		}
		if err := w.Send(e.Device); err != nil {
			d.log.WithError(err).WithField("pid", w.Pid()).Warn("worker unresponsive to dispatch, hard-killing")
			d.pool.HardKill(w)
			continue
		}
		w.Attach(e)
		e.State = queueing.StateRunning
		d.arm(e, w)
		return
	}

	if d.pool.AtCapacity() {
		// Leave e QUEUED; it is retried by the next scan_and_dispatch.
		return
	}

	w, err := d.pool.Spawn(e)
	if err != nil {
		d.log.WithError(err).Warn("failed to spawn worker, leaving event queued")
		return
	}
	go d.watchExit(w)
	if err := w.Send(e.Device); err != nil {
		d.log.WithError(err).WithField("pid", w.Pid()).Warn("freshly spawned worker unresponsive")
		d.pool.HardKill(w)
		return
	}
	e.State = queueing.StateRunning
	d.arm(e, w)
}

// arm starts e's warn/kill timer pair (spec.md §4.4): warn at
// eventTimeout/3 only logs, kill at eventTimeout hard-kills w and lets the
// reap path (not the timer) free the event and republish its pristine
// kernel clone.
func (d *Dispatcher) arm(e *queueing.Event, w *worker.Worker) {
	warnAfter, killAfter := timeout.Default(d.eventTimeout)
	e.Timers = timeout.Arm(warnAfter, killAfter,
		func() {
			d.log.WithField("pid", w.Pid()).WithField("seqnum", e.Seqnum).Warn("event still running past warn timeout")
		},
		func() {
			d.log.WithField("pid", w.Pid()).WithField("seqnum", e.Seqnum).Warn("event exceeded kill timeout, hard-killing worker")
			d.pool.HardKill(w)
		},
	)
}

// watchExit blocks until w's process exits and forwards the outcome to
// d.exits. It runs for the lifetime of every spawned worker, including
// ones later reused across multiple events.
func (d *Dispatcher) watchExit(w *worker.Worker) {
	err := w.Wait()
	if d.exits == nil {
		return
	}
	d.exits <- worker.ExitReport{Pid: w.Pid(), Clean: err == nil}
}

// DefaultChildrenMax reproduces the original daemon's formula:
// max(10, min(8 + 8*nCPU, mem_total / 128MiB)).
func DefaultChildrenMax() int {
	cpus := runtime.NumCPU()
	byCPU := 8 + 8*cpus

	n := byCPU
	if memBytes := readMemTotalBytes(); memBytes > 0 {
		const mib128 = 128 * 1024 * 1024
		if byMem := int(memBytes / mib128); byMem < n {
			n = byMem
		}
	}
	if n < 10 {
		n = 10
	}
	return n
}

// readMemTotalBytes parses /proc/meminfo's MemTotal line. Returns 0 if the
// file can't be read (non-Linux test environments), in which case
// DefaultChildrenMax falls back to the CPU-derived bound alone.
func readMemTotalBytes() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}
