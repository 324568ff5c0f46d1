package supervisor

// postLoopHook runs after every batch of handled events (spec.md §4.8): if
// the queue is non-empty there's nothing to arm; if it's empty but workers
// remain, arm a one-shot idle-kill timer; if it's empty and no workers
// remain, either the loop is done (exit was requested) or it's time to
// sweep the manager's cgroup for lingering processes.
func (m *Manager) postLoopHook() {
	if m.queue.Len() > 0 {
		m.stopIdleTimer()
		return
	}
	m.stopIdleTimer()
	if m.pool.Len() > 0 {
		m.armIdleTimer()
		return
	}
	if m.exit || m.cgroup == nil {
		return
	}
	m.cgroup.killLingering(m.log)
}

func (m *Manager) armIdleTimer() {
	if m.idleTimer != nil {
		return
	}
	m.idleTimer = newFireTimer(idleKillDelay, m.idleFired)
}

func (m *Manager) stopIdleTimer() {
	if m.idleTimer == nil {
		return
	}
	m.idleTimer.Stop()
	m.idleTimer = nil
}

func (m *Manager) armWatchdog() {
	if m.watchdogTimer != nil {
		return
	}
	m.watchdogTimer = newFireTimer(shutdownWatchdog, m.watchdogFired)
}
