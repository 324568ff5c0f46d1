package fdstore

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestResolveFDsAcceptsExactlyOneOfEach(t *testing.T) {
	ctrlPair, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Skipf("socketpair unavailable in this environment: %v", err)
	}
	defer unix.Close(ctrlPair[0])
	defer unix.Close(ctrlPair[1])

	nlFD, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		t.Skipf("netlink socket unavailable: %v", err)
	}
	defer unix.Close(nlFD)

	res, err := ResolveFDs([]int{ctrlPair[0], nlFD})
	if err != nil {
		t.Fatal(err)
	}
	if res.CtrlFD != ctrlPair[0] {
		t.Fatalf("CtrlFD = %d, want %d", res.CtrlFD, ctrlPair[0])
	}
	if res.NetlinkFD != nlFD {
		t.Fatalf("NetlinkFD = %d, want %d", res.NetlinkFD, nlFD)
	}
}

func TestResolveFDsRejectsDuplicateCtrl(t *testing.T) {
	a, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Skipf("socketpair unavailable: %v", err)
	}
	defer unix.Close(a[0])
	defer unix.Close(a[1])
	b, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Skipf("socketpair unavailable: %v", err)
	}
	defer unix.Close(b[0])
	defer unix.Close(b[1])

	if _, err := ResolveFDs([]int{a[0], b[0]}); err == nil {
		t.Fatalf("expected an error for two control sockets and no netlink socket")
	}
}
