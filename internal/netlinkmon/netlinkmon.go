// Package netlinkmon implements the out-of-scope netlink-monitor
// collaborator contract (new, get-fd, send, receive) with a real
// NETLINK_KOBJECT_UEVENT raw socket backend, plus ifindex resolution via
// vishvananda/netlink for devices reported as network interfaces.
package netlinkmon

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/duskflow/devmgrd/internal/device"
)

// groupKernel is NETLINK_KOBJECT_UEVENT's single multicast group; both the
// kernel-uevent source and a worker's outbound republish use it.
const groupKernel = 1

// Monitor is the contract the supervisor loop and workers depend on.
type Monitor interface {
	FD() int
	Send(dev *device.Device) error
	Receive() (*device.Device, error)
	Close() error
}

// KobjectMonitor is a real NETLINK_KOBJECT_UEVENT socket.
type KobjectMonitor struct {
	fd int
}

// New opens a new NETLINK_KOBJECT_UEVENT socket bound to the kernel
// multicast group, matching udev_monitor_new_from_netlink.
func New() (*KobjectMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("netlinkmon: socket: %w", err)
	}
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groupKernel}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlinkmon: bind: %w", err)
	}
	// SO_PASSCRED isn't meaningful on netlink sockets; this socket trusts
	// the kernel as its sole peer.
	const recvBufBytes = 128 * 1024
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, recvBufBytes)
	return &KobjectMonitor{fd: fd}, nil
}

// FromFD wraps an already-open, pre-validated netlink fd (the one handed
// in by the service manager, per spec.md §6).
func FromFD(fd int) *KobjectMonitor {
	return &KobjectMonitor{fd: fd}
}

func (m *KobjectMonitor) FD() int { return m.fd }

// Send re-unicasts a rule-processed device to libudev-style subscribers.
// The wire encoding of individual uevent fields is the out-of-scope part
// of this collaborator; Send only needs to prove devices can flow back out.
func (m *KobjectMonitor) Send(dev *device.Device) error {
	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: groupKernel}
	return unix.Sendto(m.fd, dev.Encode(), 0, sa)
}

// Receive reads one uevent off the socket and decodes it into a Device.
func (m *KobjectMonitor) Receive() (*device.Device, error) {
	buf := make([]byte, 8192)
	n, _, err := unix.Recvfrom(m.fd, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("netlinkmon: recvfrom: %w", err)
	}
	return device.Decode(buf[:n])
}

func (m *KobjectMonitor) Close() error {
	return unix.Close(m.fd)
}

// ResolveIfindex looks up a network interface's ifindex by name, used when
// an incoming device's kernel-reported ifindex is absent or stale.
func ResolveIfindex(name string) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("netlinkmon: resolving ifindex for %q: %w", name, err)
	}
	return link.Attrs().Index, nil
}

// FlushStaleLink brings an interface down and flushes its addresses,
// called when the worker that owned a net-subsystem device exits
// abnormally (spec.md's reap-and-republish path): the worker's crash may
// have left the link administratively up or still carrying addresses a
// rule action assigned, which would otherwise linger until some later
// event happens to touch the same interface again. If the link is already
// gone (the device was actually removed, not just its handling worker),
// this is a no-op.
func FlushStaleLink(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		if _, ok := err.(netlink.LinkNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("netlinkmon: looking up ifindex %d: %w", ifindex, err)
	}

	addrs, err := netlink.AddrList(link, unix.AF_UNSPEC)
	if err != nil {
		return fmt.Errorf("netlinkmon: listing addresses on ifindex %d: %w", ifindex, err)
	}
	for _, addr := range addrs {
		if err := netlink.AddrDel(link, &addr); err != nil {
			return fmt.Errorf("netlinkmon: flushing address %s on ifindex %d: %w", addr.IPNet, ifindex, err)
		}
	}

	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("netlinkmon: bringing down ifindex %d: %w", ifindex, err)
	}
	return nil
}

