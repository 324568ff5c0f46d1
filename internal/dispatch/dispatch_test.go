package dispatch

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskflow/devmgrd/internal/device"
	"github.com/duskflow/devmgrd/internal/queueing"
	"github.com/duskflow/devmgrd/internal/worker"
)

func fakeSpawn(r, replyFD *os.File) (*exec.Cmd, error) {
	cmd := exec.Command("cat")
	cmd.ExtraFiles = []*os.File{r, replyFD}
	cmd.Stdin = r
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func TestRunSpawnsWhenNoIdleWorker(t *testing.T) {
	pool := worker.NewPool(2, fakeSpawn, make(chan int, 8))
	log := logrus.NewEntry(logrus.New())
	d := New(pool, log, make(chan worker.ExitReport, 8))

	e := &queueing.Event{Seqnum: 1, Device: &device.Device{Seqnum: 1, Devpath: "/devices/a"}}
	d.Run(e)

	if e.State != queueing.StateRunning {
		t.Fatalf("event should transition to RUNNING once dispatched")
	}
	if pool.Len() != 1 {
		t.Fatalf("pool should have spawned exactly one worker")
	}
}

func TestRunLeavesEventQueuedAtCapacity(t *testing.T) {
	pool := worker.NewPool(1, fakeSpawn, make(chan int, 8))
	log := logrus.NewEntry(logrus.New())
	d := New(pool, log, make(chan worker.ExitReport, 8))

	e1 := &queueing.Event{Seqnum: 1, Device: &device.Device{Seqnum: 1, Devpath: "/devices/a"}}
	e2 := &queueing.Event{Seqnum: 2, Device: &device.Device{Seqnum: 2, Devpath: "/devices/b"}}

	d.Run(e1)
	d.Run(e2)

	if e2.State == queueing.StateRunning {
		t.Fatalf("second event must stay queued once children_max is reached")
	}
}

func TestRunArmsEventTimers(t *testing.T) {
	pool := worker.NewPool(2, fakeSpawn, make(chan int, 8))
	log := logrus.NewEntry(logrus.New())
	d := New(pool, log, make(chan worker.ExitReport, 8))

	e := &queueing.Event{Seqnum: 1, Device: &device.Device{Seqnum: 1, Devpath: "/devices/a"}}
	d.Run(e)

	if e.Timers == nil || !e.Timers.Armed() {
		t.Fatalf("a RUNNING event must have an armed warn/kill timer pair")
	}
}

func TestSetEventTimeoutTriggersHardKillOnExpiry(t *testing.T) {
	pool := worker.NewPool(2, fakeSpawn, make(chan int, 8))
	log := logrus.NewEntry(logrus.New())
	d := New(pool, log, make(chan worker.ExitReport, 8))
	d.SetEventTimeout(30 * time.Millisecond)

	e := &queueing.Event{Seqnum: 1, Device: &device.Device{Seqnum: 1, Devpath: "/devices/a"}}
	d.Run(e)

	w := pool.Lookup(e.Worker.Pid())
	if w == nil {
		t.Fatal("worker should still be registered right after dispatch")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.State() == worker.StateKilled {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker should have been hard-killed once the kill timeout elapsed")
}

func TestDefaultChildrenMaxHasFloorOfTen(t *testing.T) {
	if n := DefaultChildrenMax(); n < 10 {
		t.Fatalf("DefaultChildrenMax() = %d, want >= 10", n)
	}
}
