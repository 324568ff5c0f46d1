package supervisor

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/duskflow/devmgrd/internal/device"
)

// applyLogLevel handles the set-log-level control message: the new level
// takes effect immediately in the supervisor's own logger, and every
// worker is soft-terminated. Respawned workers are started from
// Config.ToArgs, which does not carry LogLevel, so they log at the
// worker's default level (debug with --debug, info otherwise), not at the
// new one.
func (m *Manager) applyLogLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		m.log.WithError(err).Warn("invalid log level in control message, ignoring")
		return
	}
	m.cfg.LogLevel = lvl
	m.log.Logger.SetLevel(lvl)
	if err := m.pool.KillAllIdleOrRunning(); err != nil {
		m.log.WithError(err).Warn("failed to terminate workers after set-log-level")
	}
}

// setEnv implements the property-overrides map mutation for set-env: an
// empty value deletes the key, matching spec.md §4.9.
func (m *Manager) setEnv(key, value string) {
	m.propMu.Lock()
	defer m.propMu.Unlock()
	if value == "" {
		delete(m.propOverrides, key)
		return
	}
	m.propOverrides[key] = value
}

// statusLine is the sd_notify STATUS= text refreshed on every control
// message (SPEC_FULL supplement 7).
func (m *Manager) statusLine() string {
	return fmt.Sprintf("queue=%d workers=%d children_max=%d stopped=%v",
		m.queue.Len(), m.pool.Len(), m.pool.ChildrenMax(), m.stopExecQueue)
}

// trackForWatch records dev as the last known state of its device node and
// (re)installs an inotify watch on it, so a later IN_CLOSE_WRITE can be
// resolved back to a full device for the synthetic-change logic (§4.7).
func (m *Manager) trackForWatch(dev *device.Device) {
	path := devnodePath(dev)
	m.devMu.Lock()
	m.watchedDevices[path] = dev.Clone()
	m.devMu.Unlock()
	if err := m.watch.Watch(path); err != nil {
		m.log.WithError(err).WithField("devpath", dev.Devpath).Debug("failed to install inotify watch on device node")
	}
}

func devnodePath(dev *device.Device) string {
	if name := dev.Properties["DEVNAME"]; name != "" {
		return name
	}
	return "/dev/" + dev.Sysname
}
