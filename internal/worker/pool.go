// Package worker implements the bounded pool of worker child processes: a
// spawn-via-self-re-exec pattern grounded on the teacher's own
// exec.Command/ExtraFiles/Pdeathsig sandbox-child pattern, pid lookup,
// state transitions, and reap-with-pristine-republish on failure.
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/duskflow/devmgrd/internal/device"
	"github.com/duskflow/devmgrd/internal/queueing"
)

// State is a worker's lifecycle position.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateKilled
)

// Worker is one live worker child process: its pid, its private monitor
// channel (the pipe devmgrd uses to hand it a device), the parent's end of
// its completion-reply socket, and the event currently attached to it, if
// any. It implements queueing.WorkerHandle.
type Worker struct {
	pid    int
	cmd    *exec.Cmd
	toDev  *os.File // parent's write end of the monitor pipe; the read end is donated to the child
	replyR *os.File // parent's end of the SO_PASSCRED completion socketpair
	mu     sync.Mutex
	state  State
	event  *queueing.Event
}

// Pid implements queueing.WorkerHandle.
func (w *Worker) Pid() int { return w.pid }

// Wait blocks until w's process exits, mirroring the SIGCHLD-driven reap
// the original daemon gets from the kernel: Go has no signalfd-style
// wait-queue, so the supervisor learns of an exit by waiting on the
// process directly, one goroutine per worker, and reports the outcome
// back onto its own channel (see internal/dispatch's watchExit).
func (w *Worker) Wait() error {
	return w.cmd.Wait()
}

// ExitReport is what the supervisor learns once a worker's process exits:
// its pid and whether the exit was clean (status zero).
type ExitReport struct {
	Pid   int
	Clean bool
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Spawner builds the re-exec'd worker command. In production this points at
// os.Args[0] with a hidden "worker" subcommand marker (see cmd/devmgrd);
// tests substitute a fake to avoid actually forking. monitorFD and replyFD
// are the child's ends of the monitor pipe and completion socket; the
// Spawner is responsible for donating both (in that fd order) via
// cmd.ExtraFiles.
type Spawner func(monitorFD, replyFD *os.File) (*exec.Cmd, error)

// Pool is the bounded set of worker children.
type Pool struct {
	mu          sync.Mutex
	byPID       map[int]*Worker
	spawn       Spawner
	maxChild    int
	completions chan<- int
}

// NewPool creates an empty pool bounded at childrenMax, using spawn to
// start each new worker process. Every worker completion (spec.md §4.6's
// "worker-reply socket" source) is reported by pid on completions.
func NewPool(childrenMax int, spawn Spawner, completions chan<- int) *Pool {
	return &Pool{
		byPID:       make(map[int]*Worker),
		spawn:       spawn,
		maxChild:    childrenMax,
		completions: completions,
	}
}

// SetChildrenMax updates the cap (the set-children-max control message).
func (p *Pool) SetChildrenMax(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxChild = n
}

// ChildrenMax returns the current cap.
func (p *Pool) ChildrenMax() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxChild
}

// Len returns the number of non-reaped workers, regardless of state.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPID)
}

// AtCapacity reports whether spawning a new worker would exceed children_max.
func (p *Pool) AtCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byPID) >= p.maxChild
}

// Spawn creates a fresh monitor pipe, forks (via re-exec) a worker attached
// to e, and registers it in the pool. The returned Worker starts RUNNING
// with e attached.
func (p *Pool) Spawn(e *queueing.Event) (*Worker, error) {
	p.mu.Lock()
	if len(p.byPID) >= p.maxChild {
		p.mu.Unlock()
		return nil, fmt.Errorf("worker: pool at capacity (%d)", p.maxChild)
	}
	p.mu.Unlock()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("worker: creating monitor pipe: %w", err)
	}

	parentReply, childReply, err := replySocketpair()
	if err != nil {
		r.Close()
		w.Close()
		return nil, fmt.Errorf("worker: creating reply socket: %w", err)
	}

	cmd, err := p.spawn(r, childReply)
	if err != nil {
		r.Close()
		w.Close()
		parentReply.Close()
		childReply.Close()
		return nil, fmt.Errorf("worker: spawn: %w", err)
	}
	// The child inherited r and childReply via ExtraFiles; the parent only
	// needs its own ends and must close its copies of the child's.
	r.Close()
	childReply.Close()

	wk := &Worker{
		cmd:    cmd,
		toDev:  w,
		replyR: parentReply,
		state:  StateRunning,
		event:  e,
	}
	wk.pid = cmd.Process.Pid

	p.mu.Lock()
	p.byPID[wk.pid] = wk
	p.mu.Unlock()

	e.Worker = wk
	go p.pumpCompletions(wk)

	return wk, nil
}

// replySocketpair creates the SO_PASSCRED-enabled completion channel: the
// parent's end has SO_PASSCRED set so it can identify which worker a
// completion datagram came from even if a message is otherwise malformed.
func replySocketpair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	return os.NewFile(uintptr(fds[0]), "worker-reply-parent"), os.NewFile(uintptr(fds[1]), "worker-reply-child"), nil
}

// pumpCompletions reads completion datagrams from w's reply socket and
// forwards the sender's credential pid to the pool's shared completions
// channel. Messages without a positive ucred.pid, or without parseable
// credentials, are dropped silently: the pool has no logger. Payload size
// is not checked. It returns once the socket is closed, by Reap or process
// exit.
func (p *Pool) pumpCompletions(w *Worker) {
	buf := make([]byte, 16)
	oob := make([]byte, unix.CmsgSpace(12))
	fd := int(w.replyR.Fd())
	for {
		n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
		if err != nil {
			return
		}
		if n == 0 && oobn == 0 {
			continue
		}
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			continue
		}
		for _, scm := range scms {
			cred, err := unix.ParseUnixCredentials(&scm)
			if err != nil || cred.Pid <= 0 {
				continue
			}
			p.completions <- int(cred.Pid)
		}
	}
}

// Lookup finds a worker by pid, or nil if it's not (or no longer) in the
// pool.
func (p *Pool) Lookup(pid int) *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byPID[pid]
}

// Send writes dev to w's monitor channel so the worker picks it up for
// processing. Returns an error if the worker's pipe is broken (unresponsive
// worker, per the dispatcher's spawn-vs-reuse error path). internal/workerproc
// reads the matching frame with device.ReadFramed on the child side.
func (w *Worker) Send(dev *device.Device) error {
	return device.WriteFramed(w.toDev, dev)
}

// MarkIdle transitions w to IDLE and detaches its event, unless it has
// already been KILLED.
func (p *Pool) MarkIdle(pid int) (freed *queueing.Event) {
	w := p.Lookup(pid)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateKilled {
		return nil
	}
	freed = w.event
	w.event = nil
	w.state = StateIdle
	return freed
}

// Attach binds e to an already-IDLE worker and marks it RUNNING.
func (w *Worker) Attach(e *queueing.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.event = e
	w.state = StateRunning
	e.Worker = w
}

// FindIdle returns the first IDLE worker, for dispatch reuse.
func (p *Pool) FindIdle() *Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.byPID {
		if w.State() == StateIdle {
			return w
		}
	}
	return nil
}

// Kill sends a soft terminate (SIGTERM) to w and marks it KILLED; KILLED
// workers are never reused.
func (p *Pool) Kill(w *Worker) error {
	w.mu.Lock()
	w.state = StateKilled
	w.mu.Unlock()
	if err := unix.Kill(w.pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("worker: signaling pid %d: %w", w.pid, err)
	}
	return nil
}

// HardKill sends SIGKILL to w and marks it KILLED. Used where the original
// daemon distinguishes a hard kill from a soft terminate: an unresponsive
// worker during dispatch (event_run) and the timeout manager's kill timer,
// as opposed to the SIGTERM KillAllIdleOrRunning sends on reload/shutdown/
// idle.
func (p *Pool) HardKill(w *Worker) error {
	w.mu.Lock()
	w.state = StateKilled
	w.mu.Unlock()
	if err := unix.Kill(w.pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("worker: hard-killing pid %d: %w", w.pid, err)
	}
	return nil
}

// KillAllForReload soft-terminates every non-KILLED worker and detaches its
// attached event (without freeing it from the queue itself), for
// manager_reload's silently-abandon behavior (spec.md §9, first Open
// Question): unlike a crash or timeout-kill reap, a reload-abandoned
// event's pristine kernel clone must never be re-published. The returned
// events still need Queue.Free from the caller; Reap later finds these
// workers' event already nil and does nothing further.
func (p *Pool) KillAllForReload() []*queueing.Event {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.byPID))
	for _, w := range p.byPID {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var detached []*queueing.Event
	for _, w := range workers {
		w.mu.Lock()
		alreadyKilled := w.state == StateKilled
		e := w.event
		w.event = nil
		w.state = StateKilled
		w.mu.Unlock()
		if alreadyKilled {
			continue
		}
		unix.Kill(w.pid, unix.SIGTERM)
		if e != nil {
			detached = append(detached, e)
		}
	}
	return detached
}

// KillAllIdleOrRunning soft-terminates every non-KILLED worker. Used by
// manager_exit and the idle-kill timer.
func (p *Pool) KillAllIdleOrRunning() error {
	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.byPID))
	for _, w := range p.byPID {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if w.State() == StateKilled {
			continue
		}
		if err := p.Kill(w); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReapResult describes the outcome the supervisor must act on after a
// SIGCHLD: the event that was attached (if any) and whether its pristine
// kernel-view clone must be re-published because the worker exited
// abnormally while an event was attached.
type ReapResult struct {
	Event          *queueing.Event
	RepublishClone *device.Device
}

// Reap removes pid from the pool after it has exited with status. If the
// worker had an attached event and the exit was non-zero, the pristine
// kernel clone is returned for re-publication and the event is considered
// aborted; the caller (supervisor) is responsible for freeing it from the
// queue.
func (p *Pool) Reap(pid int, exitedCleanly bool) ReapResult {
	p.mu.Lock()
	w, ok := p.byPID[pid]
	if ok {
		delete(p.byPID, pid)
	}
	p.mu.Unlock()
	if !ok {
		return ReapResult{}
	}

	w.mu.Lock()
	e := w.event
	w.event = nil
	w.mu.Unlock()
	w.toDev.Close()
	w.replyR.Close()

	if e == nil {
		return ReapResult{}
	}
	if exitedCleanly {
		return ReapResult{Event: e}
	}
	return ReapResult{Event: e, RepublishClone: e.DeviceKernel}
}
