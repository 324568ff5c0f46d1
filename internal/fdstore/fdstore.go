// Package fdstore validates the pre-opened file descriptors a service
// manager hands to devmgrd (spec.md §6): exactly one AF_LOCAL/SOCK_SEQPACKET
// control socket and exactly one AF_NETLINK/SOCK_RAW uevent socket.
// Numbering follows the systemd socket-activation convention also used by
// coreos/go-systemd/v22's activation package (fds start at fd 3).
package fdstore

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ListenFDsStart is the first fd a service manager hands over, matching
// systemd's LISTEN_FDS_START convention.
const ListenFDsStart = 3

// Result is the pair of validated fds the supervisor needs.
type Result struct {
	CtrlFD    int
	NetlinkFD int
}

// Resolve inspects the numFDs descriptors starting at ListenFDsStart and
// classifies each by its socket domain/type, returning exactly one ctrl
// and one netlink fd. Any other combination is a fatal init error
// (spec.md §7 error kind 6 at startup).
func Resolve(numFDs int) (Result, error) {
	fds := make([]int, numFDs)
	for i := range fds {
		fds[i] = ListenFDsStart + i
	}
	return ResolveFDs(fds)
}

// ResolveFDs is Resolve's body over an explicit fd list, split out so
// tests can exercise the classification logic without relying on the
// fixed ListenFDsStart numbering convention.
func ResolveFDs(fds []int) (Result, error) {
	var res Result
	haveCtrl, haveNetlink := false, false

	for _, fd := range fds {
		domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
		if err != nil {
			return Result{}, fmt.Errorf("fdstore: fd %d: not a socket: %w", fd, err)
		}
		typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
		if err != nil {
			return Result{}, fmt.Errorf("fdstore: fd %d: SO_TYPE: %w", fd, err)
		}

		switch {
		case domain == unix.AF_LOCAL && typ == unix.SOCK_SEQPACKET:
			if haveCtrl {
				return Result{}, fmt.Errorf("fdstore: more than one AF_LOCAL/SOCK_SEQPACKET fd handed in")
			}
			res.CtrlFD = fd
			haveCtrl = true

		case domain == unix.AF_NETLINK && typ == unix.SOCK_RAW:
			if haveNetlink {
				return Result{}, fmt.Errorf("fdstore: more than one AF_NETLINK/SOCK_RAW fd handed in")
			}
			res.NetlinkFD = fd
			haveNetlink = true

		default:
			return Result{}, fmt.Errorf("fdstore: fd %d has unexpected domain/type %d/%d", fd, domain, typ)
		}
	}

	if !haveCtrl || !haveNetlink {
		return Result{}, fmt.Errorf("fdstore: expected exactly one control and one netlink fd, got ctrl=%v netlink=%v", haveCtrl, haveNetlink)
	}
	return res, nil
}
