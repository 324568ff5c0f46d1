package timeout

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestArmFiresWarnThenKill(t *testing.T) {
	var warns, kills int32
	p := Arm(5*time.Millisecond, 15*time.Millisecond,
		func() { atomic.AddInt32(&warns, 1) },
		func() { atomic.AddInt32(&kills, 1) },
	)
	defer p.Cancel()

	time.Sleep(30 * time.Millisecond)

	if got := atomic.LoadInt32(&warns); got != 1 {
		t.Fatalf("warn fired %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&kills); got != 1 {
		t.Fatalf("kill fired %d times, want 1", got)
	}
}

func TestCancelSuppressesBoth(t *testing.T) {
	var warns, kills int32
	p := Arm(5*time.Millisecond, 10*time.Millisecond,
		func() { atomic.AddInt32(&warns, 1) },
		func() { atomic.AddInt32(&kills, 1) },
	)
	p.Cancel()
	time.Sleep(20 * time.Millisecond)

	if got := atomic.LoadInt32(&warns); got != 0 {
		t.Fatalf("warn fired after cancel")
	}
	if got := atomic.LoadInt32(&kills); got != 0 {
		t.Fatalf("kill fired after cancel")
	}
	if p.Armed() {
		t.Fatalf("Armed() true after Cancel")
	}
}

func TestDefaultSplitsAtThird(t *testing.T) {
	warn, kill := Default(180 * time.Second)
	if warn != 60*time.Second {
		t.Fatalf("warn = %v, want 60s", warn)
	}
	if kill != 180*time.Second {
		t.Fatalf("kill = %v, want 180s", kill)
	}
}
