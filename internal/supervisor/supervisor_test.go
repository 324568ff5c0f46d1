package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/duskflow/devmgrd/internal/config"
	"github.com/duskflow/devmgrd/internal/ctrlsock"
	"github.com/duskflow/devmgrd/internal/device"
	"github.com/duskflow/devmgrd/internal/devwatch"
	"github.com/duskflow/devmgrd/internal/queueing"
	"github.com/duskflow/devmgrd/internal/worker"
)

type fakeMonitor struct {
	sent []*device.Device
}

func (f *fakeMonitor) FD() int                          { return -1 }
func (f *fakeMonitor) Send(dev *device.Device) error    { f.sent = append(f.sent, dev); return nil }
func (f *fakeMonitor) Receive() (*device.Device, error) { select {} }
func (f *fakeMonitor) Close() error                     { return nil }

type fakeCtrlEndpoint struct{}

func (fakeCtrlEndpoint) Accept(ctx context.Context) (ctrlsock.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (fakeCtrlEndpoint) Close() error { return nil }

type fakeConn struct{ closed bool }

func (f *fakeConn) Receive() ([]byte, int, error)                   { return nil, 0, nil }
func (f *fakeConn) Decode(payload []byte) (ctrlsock.Msg, error)      { return ctrlsock.Msg{}, nil }
func (f *fakeConn) Close() error                                    { f.closed = true; return nil }

type fakeRules struct {
	fresh   bool
	loaded  int
	loadErr error
}

func (f *fakeRules) Load() error {
	f.loaded++
	return f.loadErr
}
func (f *fakeRules) CheckFresh() bool                 { return f.fresh }
func (f *fakeRules) Apply(dev *device.Device) error { return nil }

func fakeSpawn(r, replyFD *os.File) (*exec.Cmd, error) {
	cmd := exec.Command("cat")
	cmd.ExtraFiles = []*os.File{r, replyFD}
	cmd.Stdin = r
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	queue := queueing.New(filepath.Join(t.TempDir(), "queue"))
	pool := worker.NewPool(2, fakeSpawn, make(chan int, 8))
	watch, err := devwatch.New()
	if err != nil {
		t.Skipf("inotify unavailable in this sandbox: %v", err)
	}
	t.Cleanup(func() { watch.Close() })

	m := NewManager(
		config.Default(),
		queue,
		pool,
		make(chan int, 8),
		&fakeMonitor{},
		fakeCtrlEndpoint{},
		watch,
		&fakeRules{},
		logrus.NewEntry(logrus.New()),
	)
	return m
}

func TestStatusLineReportsQueueAndPoolSize(t *testing.T) {
	m := newTestManager(t)
	got := m.statusLine()
	want := "queue=0 workers=0 children_max=2 stopped=false"
	if got != want {
		t.Fatalf("statusLine() = %q, want %q", got, want)
	}
}

func TestSetEnvAddsAndDeletes(t *testing.T) {
	m := newTestManager(t)
	m.setEnv("FOO", "bar")
	if m.propOverrides["FOO"] != "bar" {
		t.Fatalf("expected FOO=bar in property overrides, got %+v", m.propOverrides)
	}
	m.setEnv("FOO", "")
	if _, ok := m.propOverrides["FOO"]; ok {
		t.Fatalf("an empty value must delete the key")
	}
}

func TestScanAndDispatchRespectsStopExecQueue(t *testing.T) {
	m := newTestManager(t)
	dev := &device.Device{Seqnum: 1, Devpath: "/devices/a"}
	e, err := m.queue.Insert(dev)
	if err != nil {
		t.Fatal(err)
	}

	m.stopExecQueue = true
	m.scanAndDispatch()
	if e.State != queueing.StateQueued {
		t.Fatalf("event must stay QUEUED while stop_exec_queue is set")
	}

	m.stopExecQueue = false
	m.scanAndDispatch()
	if e.State != queueing.StateRunning {
		t.Fatalf("event should dispatch once stop_exec_queue clears")
	}
}

func TestScanAndDispatchReloadsFreshRules(t *testing.T) {
	m := newTestManager(t)
	fr := m.rulesEngine.(*fakeRules)
	fr.fresh = true

	m.scanAndDispatch()

	if fr.loaded != 1 {
		t.Fatalf("expected rule engine Load to be called once, got %d", fr.loaded)
	}
}

func TestExitIsIdempotentAndArmsWatchdogOnce(t *testing.T) {
	m := newTestManager(t)
	m.Exit()
	if !m.exit {
		t.Fatalf("exit flag should be set")
	}
	wd := m.watchdogTimer
	if wd == nil {
		t.Fatalf("watchdog timer should be armed by Exit")
	}

	m.Exit()
	if m.watchdogTimer != wd {
		t.Fatalf("a second Exit call must not rearm the watchdog timer")
	}
	wd.Stop()
}

func TestReloadAbandonsInFlightEventWithoutRepublishing(t *testing.T) {
	m := newTestManager(t)
	dev := &device.Device{Seqnum: 1, Devpath: "/devices/a"}
	e, err := m.queue.Insert(dev)
	if err != nil {
		t.Fatal(err)
	}
	w, err := m.pool.Spawn(e)
	if err != nil {
		t.Fatal(err)
	}
	e.State = queueing.StateRunning

	m.Reload()

	if w.State() != worker.StateKilled {
		t.Fatalf("in-flight worker must be soft-terminated on reload")
	}
	if got := m.pool.Lookup(w.Pid()); got != nil && got.State() != worker.StateKilled {
		t.Fatalf("reloaded worker should be KILLED")
	}
	if mon := m.netlink.(*fakeMonitor); len(mon.sent) != 0 {
		t.Fatalf("reload must never re-publish an abandoned event's pristine clone, got %d sends", len(mon.sent))
	}
}

func TestPostLoopHookArmsIdleTimerWhenWorkersRemainAndQueueIsEmpty(t *testing.T) {
	m := newTestManager(t)
	e := &queueing.Event{Seqnum: 1, Device: &device.Device{Seqnum: 1}}
	w, err := m.pool.Spawn(e)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		m.pool.Kill(w)
		w.Wait()
	}()

	m.postLoopHook()
	if m.idleTimer == nil {
		t.Fatalf("idle-kill timer should be armed when the queue is empty but a worker remains")
	}
	m.idleTimer.Stop()
}

func TestHandleCtrlSetChildrenMaxUpdatesPool(t *testing.T) {
	m := newTestManager(t)
	conn := &fakeConn{}

	m.handleCtrl(ctrlEvent{conn: conn, msg: ctrlsock.Msg{Kind: ctrlsock.MsgSetChildrenMax, ChildrenMax: 5}})

	if m.pool.ChildrenMax() != 5 {
		t.Fatalf("children_max should update to 5, got %d", m.pool.ChildrenMax())
	}
	if !conn.closed {
		t.Fatalf("connection should be closed after an ordinary control message")
	}
}

func TestHandleCtrlExitHoldsConnectionOpenUntilRelease(t *testing.T) {
	m := newTestManager(t)
	conn := &fakeConn{}

	m.handleCtrl(ctrlEvent{conn: conn, msg: ctrlsock.Msg{Kind: ctrlsock.MsgExit}})

	if conn.closed {
		t.Fatalf("an exit control message must keep its connection open until the loop actually exits")
	}
	if !m.exit {
		t.Fatalf("exit control message should set the exit flag")
	}

	m.exitRelease()
	if !conn.closed {
		t.Fatalf("exitRelease should close the held connection")
	}
	if m.watchdogTimer != nil {
		m.watchdogTimer.Stop()
	}
}
