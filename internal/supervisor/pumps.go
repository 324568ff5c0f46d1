package supervisor

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/duskflow/devmgrd/internal/ctrlsock"
)

// pumpUevents blocks on the netlink monitor's Receive in its own goroutine
// and forwards each decoded device onto ueventCh, the substitute for
// polling a single epoll set: Go's blocking syscalls plus one goroutine
// per fd give the same "wait on a private source, hand off on a channel"
// shape without hand-rolled readiness polling.
func (m *Manager) pumpUevents(stop <-chan struct{}) {
	for {
		dev, err := m.netlink.Receive()
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			m.log.WithError(err).Warn("netlink receive error, retrying")
			continue
		}
		select {
		case m.ueventCh <- dev:
		case <-stop:
			return
		}
	}
}

// pumpInotify polls the (non-blocking) inotify fd and drains it into
// inotifyCh whenever it becomes readable.
func (m *Manager) pumpInotify(stop <-chan struct{}) {
	pfd := []unix.PollFd{{Fd: int32(m.watch.FD()), Events: unix.POLLIN}}
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := unix.Poll(pfd, 1000)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			m.log.WithError(err).Warn("inotify poll error, retrying")
			continue
		}
		if n == 0 {
			continue
		}
		evs, err := m.watch.Read()
		if err != nil {
			m.log.WithError(err).Warn("inotify read error")
			continue
		}
		for _, ev := range evs {
			select {
			case m.inotifyCh <- ev:
			case <-stop:
				return
			}
		}
	}
}

// pumpCtrl accepts control connections at idle priority and spawns one
// reader goroutine per connection; pumpCtrlConn is what actually decodes
// and forwards messages onto ctrlCh.
func (m *Manager) pumpCtrl(ctx context.Context) {
	for {
		conn, err := m.ctrl.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.WithError(err).Warn("control accept error, retrying")
			continue
		}
		go m.pumpCtrlConn(ctx, conn)
	}
}

func (m *Manager) pumpCtrlConn(ctx context.Context, conn ctrlsock.Conn) {
	payload, pid, err := conn.Receive()
	if err != nil {
		conn.Close()
		return
	}
	if pid <= 0 {
		m.log.Warn("control message missing peer credentials, dropping")
		conn.Close()
		return
	}
	msg, err := conn.Decode(payload)
	if err != nil {
		m.log.WithError(err).Warn("malformed control message, dropping")
		conn.Close()
		return
	}
	select {
	case m.ctrlCh <- ctrlEvent{conn: conn, msg: msg}:
	case <-ctx.Done():
		conn.Close()
	}
}
