package device

import (
	"bytes"
	"testing"
)

func TestWriteReadFramedRoundTrip(t *testing.T) {
	d1 := &Device{Seqnum: 1, Devpath: "/devices/a", Action: ActionAdd}
	d2 := &Device{Seqnum: 2, Devpath: "/devices/b", Action: ActionRemove}

	var buf bytes.Buffer
	if err := WriteFramed(&buf, d1); err != nil {
		t.Fatal(err)
	}
	if err := WriteFramed(&buf, d2); err != nil {
		t.Fatal(err)
	}

	got1, err := ReadFramed(&buf)
	if err != nil {
		t.Fatal(err)
	}
	got2, err := ReadFramed(&buf)
	if err != nil {
		t.Fatal(err)
	}

	if got1.Seqnum != 1 || got1.Devpath != "/devices/a" {
		t.Fatalf("first frame mismatch: %+v", got1)
	}
	if got2.Seqnum != 2 || got2.Devpath != "/devices/b" {
		t.Fatalf("second frame mismatch: %+v", got2)
	}
}

func TestCloneIndependence(t *testing.T) {
	d := &Device{
		Seqnum:     7,
		Devpath:    "/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda",
		Subsystem:  "block",
		Properties: map[string]string{"DEVNAME": "/dev/sda"},
	}

	clone := d.Clone()
	clone.Devpath = "/mutated"
	clone.Properties["DEVNAME"] = "/dev/mutated"

	if d.Devpath == clone.Devpath {
		t.Fatalf("mutating clone affected original devpath: %q", d.Devpath)
	}
	if d.Properties["DEVNAME"] == clone.Properties["DEVNAME"] {
		t.Fatalf("mutating clone affected original properties map")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := &Device{
		Seqnum:     42,
		Devpath:    "/devices/pci/sda",
		DevpathOld: "/devices/pci/sda_old",
		Subsystem:  "block",
		Devtype:    "disk",
		Sysname:    "sda",
		Action:     ActionAdd,
		Devnum:     Devnum{Major: 8, Minor: 0},
		Ifindex:    0,
		Properties: map[string]string{"DEVLINKS": "/dev/disk/by-id/foo"},
	}

	decoded, err := Decode(d.Encode())
	if err != nil {
		t.Fatal(err)
	}

	if decoded.Seqnum != d.Seqnum || decoded.Devpath != d.Devpath || decoded.DevpathOld != d.DevpathOld {
		t.Fatalf("identity fields mismatch: got %+v", decoded)
	}
	if decoded.Subsystem != d.Subsystem || decoded.Devtype != d.Devtype || decoded.Sysname != d.Sysname {
		t.Fatalf("classification fields mismatch: got %+v", decoded)
	}
	if decoded.Action != d.Action {
		t.Fatalf("Action = %q, want %q", decoded.Action, d.Action)
	}
	if decoded.Devnum != d.Devnum {
		t.Fatalf("Devnum = %+v, want %+v", decoded.Devnum, d.Devnum)
	}
	if decoded.Properties["DEVLINKS"] != "/dev/disk/by-id/foo" {
		t.Fatalf("Properties not round-tripped: got %+v", decoded.Properties)
	}
}

func TestSyspath(t *testing.T) {
	d := &Device{Devpath: "/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda"}
	want := "/sys/devices/pci0000:00/0000:00:1f.2/ata1/host0/target0:0:0/0:0:0:0/block/sda"
	if got := d.Syspath(); got != want {
		t.Fatalf("Syspath() = %q, want %q", got, want)
	}
}

func TestIsBlockAndIsNet(t *testing.T) {
	blk := &Device{Subsystem: "block"}
	if !blk.IsBlock() {
		t.Fatalf("expected block device to report IsBlock")
	}
	if blk.IsNet() {
		t.Fatalf("block device without ifindex must not report IsNet")
	}

	net := &Device{Subsystem: "net", Ifindex: 3}
	if net.IsBlock() {
		t.Fatalf("net device must not report IsBlock")
	}
	if !net.IsNet() {
		t.Fatalf("expected net device with ifindex to report IsNet")
	}
}
