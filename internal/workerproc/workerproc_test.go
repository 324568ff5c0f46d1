package workerproc

import (
	"testing"

	"github.com/duskflow/devmgrd/internal/device"
)

func TestShallLockDeviceBlocklist(t *testing.T) {
	r := &Runtime{}

	cases := []struct {
		sysname string
		block   bool
		want    bool
	}{
		{"sda", true, true},
		{"dm-0", true, false},
		{"md0", true, false},
		{"drbd1", true, false},
		{"eth0", false, false},
	}
	for _, c := range cases {
		dev := &device.Device{Subsystem: map[bool]string{true: "block", false: "net"}[c.block], Sysname: c.sysname}
		if got := r.shallLockDevice(dev); got != c.want {
			t.Errorf("shallLockDevice(sysname=%q, block=%v) = %v, want %v", c.sysname, c.block, got, c.want)
		}
	}
}

func TestDevnodePathPrefersDevname(t *testing.T) {
	dev := &device.Device{Sysname: "sda", Properties: map[string]string{"DEVNAME": "/dev/sda"}}
	if got := devnodePath(dev); got != "/dev/sda" {
		t.Fatalf("devnodePath = %q, want /dev/sda", got)
	}

	dev2 := &device.Device{Sysname: "sdb"}
	if got := devnodePath(dev2); got != "/dev/sdb" {
		t.Fatalf("devnodePath fallback = %q, want /dev/sdb", got)
	}
}

func TestDevnodePathResolvesPartitionToParentDisk(t *testing.T) {
	dev := &device.Device{
		Devtype:    "partition",
		Devpath:    "/devices/pci0000:00/0000:00:01.1/ata1/host0/target0:0:0/0:0:0:0/block/sda/sda1",
		Sysname:    "sda1",
		Properties: map[string]string{"DEVNAME": "/dev/sda1"},
	}
	if got := devnodePath(dev); got != "/dev/sda" {
		t.Fatalf("devnodePath for a partition = %q, want its parent disk's /dev/sda", got)
	}
}
