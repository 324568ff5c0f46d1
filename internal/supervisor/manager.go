// Package supervisor implements the single-threaded event loop that
// multiplexes uevent ingress, worker-reply completions, worker exits,
// inotify, the control channel, and shutdown/reload machinery (spec.md
// §4.6–§4.9). It owns the queue, the worker pool, the rule engine and the
// netlink/control/inotify collaborators, and is the only thing in this
// module that mutates any of them.
package supervisor

import (
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskflow/devmgrd/internal/config"
	"github.com/duskflow/devmgrd/internal/ctrlsock"
	"github.com/duskflow/devmgrd/internal/device"
	"github.com/duskflow/devmgrd/internal/devwatch"
	"github.com/duskflow/devmgrd/internal/dispatch"
	"github.com/duskflow/devmgrd/internal/netlinkmon"
	"github.com/duskflow/devmgrd/internal/queueing"
	"github.com/duskflow/devmgrd/internal/rules"
	"github.com/duskflow/devmgrd/internal/worker"
)

// ctrlEvent pairs a decoded control message with the connection it arrived
// on, so the handler can reply (or, for "exit", hold the connection open
// until the loop actually terminates).
type ctrlEvent struct {
	conn ctrlsock.Conn
	msg  ctrlsock.Msg
}

// Manager is the root object from spec.md §3: it owns the queue, pool,
// rule database, property overrides, collaborators, and the loop's own
// bookkeeping (stop_exec_queue, exit, timers).
type Manager struct {
	cfg *config.Config
	log *logrus.Entry

	queue      *queueing.Queue
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	rulesEngine rules.Engine
	netlink    netlinkmon.Monitor
	ctrl       ctrlsock.Endpoint
	watch      *devwatch.Watcher
	cgroup     *lingeringKiller

	propMu        sync.Mutex
	propOverrides map[string]string

	devMu          sync.Mutex
	watchedDevices map[string]*device.Device // dev node path -> last known device

	stopExecQueue bool
	exit          bool
	exitRelease   func()

	sigCh       chan os.Signal
	exits       chan worker.ExitReport
	completions <-chan int
	ueventCh    chan *device.Device
	inotifyCh   chan devwatch.Event
	ctrlCh      chan ctrlEvent

	idleFired     chan struct{}
	watchdogFired chan struct{}
	idleTimer     *time.Timer
	watchdogTimer *time.Timer
}

// NewManager wires the collaborators into a Manager ready for Run. pool
// must already be the same *worker.Pool whose completions channel is
// passed as completions (cmd/devmgrd constructs both together).
func NewManager(
	cfg *config.Config,
	queue *queueing.Queue,
	pool *worker.Pool,
	completions <-chan int,
	netlinkMon netlinkmon.Monitor,
	ctrl ctrlsock.Endpoint,
	watch *devwatch.Watcher,
	rulesEngine rules.Engine,
	log *logrus.Entry,
) *Manager {
	log = log.WithField("component", "supervisor")
	exits := make(chan worker.ExitReport, 32)

	m := &Manager{
		cfg:            cfg,
		log:            log,
		queue:          queue,
		pool:           pool,
		rulesEngine:    rulesEngine,
		netlink:        netlinkMon,
		ctrl:           ctrl,
		watch:          watch,
		propOverrides:  make(map[string]string),
		watchedDevices: make(map[string]*device.Device),
		sigCh:          make(chan os.Signal, 8),
		exits:          exits,
		completions:    completions,
		ueventCh:       make(chan *device.Device, 64),
		inotifyCh:      make(chan devwatch.Event, 64),
		ctrlCh:         make(chan ctrlEvent, 8),
		idleFired:      make(chan struct{}, 1),
		watchdogFired:  make(chan struct{}, 1),
	}
	m.dispatcher = dispatch.New(pool, log, exits)
	m.dispatcher.SetEventTimeout(cfg.EventTimeout)

	killer, err := newLingeringKiller()
	if err != nil {
		log.WithError(err).Debug("no cgroup membership known; skipping lingering-process cleanup")
	} else {
		m.cgroup = killer
	}
	return m
}
