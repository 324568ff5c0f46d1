// Package device holds the passive device-handle data model shared by the
// queue, workers and rule engine.
package device

import (
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"

	"github.com/mohae/deepcopy"
)

// Devnum is a Linux device number split into major/minor, matching the
// kernel's encoding. A zero value means "absent" (network interfaces and
// several pseudo subsystems never carry one).
type Devnum struct {
	Major uint32
	Minor uint32
}

// IsZero reports whether no device number is attached to the device.
func (d Devnum) IsZero() bool {
	return d.Major == 0 && d.Minor == 0
}

// Action is the kernel-reported verb for a uevent.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionChange Action = "change"
	ActionMove   Action = "move"
	ActionOnline Action = "online"
	ActionOffline Action = "offline"
	ActionBind   Action = "bind"
	ActionUnbind Action = "unbind"
)

// Device is the opaque device handle described by the data model: a
// hierarchical sysfs devpath plus the identity keys the queue's busy
// predicate and the rule engine need.
type Device struct {
	Seqnum uint64

	Devpath    string
	DevpathOld string

	Devnum  Devnum
	Ifindex int

	Subsystem string
	Devtype   string
	Sysname   string
	Action    Action

	// Properties carries the free-form key/value properties a rule engine
	// attaches or overrides (DEVLINKS, DEVNAME, user overrides, ...).
	Properties map[string]string
}

// IsBlock reports whether the device belongs to the block subsystem. Several
// busy-predicate and lock-predicate checks key off this rather than Devtype.
func (d *Device) IsBlock() bool {
	return d.Subsystem == "block"
}

// IsNet reports whether the device is a network interface, i.e. carries a
// usable ifindex.
func (d *Device) IsNet() bool {
	return d.Ifindex > 0
}

// Clone returns a deep, independent copy of d. The queue takes a clone at
// enqueue time (the "device_kernel" pristine view in spec terms) so that a
// worker's in-place rule mutations to the live Device never leak into the
// copy re-published on worker failure.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	clone := deepcopy.Copy(d).(*Device)
	return clone
}

// Syspath is the device's absolute sysfs location, used to write
// synthetic "change" uevents and to resolve partition children.
func (d *Device) Syspath() string {
	return filepath.Join("/sys", d.Devpath)
}

func (d *Device) String() string {
	return fmt.Sprintf("Device{seqnum=%d devpath=%q action=%s subsystem=%s}", d.Seqnum, d.Devpath, d.Action, d.Subsystem)
}

// Encode serializes d into the kernel's own uevent wire shape
// ("ACTION@DEVPATH\0KEY=VALUE\0..."), used both for the real netlink
// monitor and for the private parent/worker monitor pipe so both sides of
// any device hand-off agree on one framing.
func (d *Device) Encode() []byte {
	out := []byte(fmt.Sprintf("%s@%s", d.Action, d.Devpath))
	out = append(out, 0)
	kv := []string{
		"ACTION=" + string(d.Action),
		"DEVPATH=" + d.Devpath,
		"SUBSYSTEM=" + d.Subsystem,
		"DEVTYPE=" + d.Devtype,
		"SYSNAME=" + d.Sysname,
		"SEQNUM=" + fmt.Sprint(d.Seqnum),
	}
	if d.DevpathOld != "" {
		kv = append(kv, "DEVPATH_OLD="+d.DevpathOld)
	}
	if !d.Devnum.IsZero() {
		kv = append(kv, fmt.Sprintf("MAJOR=%d", d.Devnum.Major), fmt.Sprintf("MINOR=%d", d.Devnum.Minor))
	}
	if d.Ifindex > 0 {
		kv = append(kv, fmt.Sprintf("IFINDEX=%d", d.Ifindex))
	}
	for k, v := range d.Properties {
		kv = append(kv, k+"="+v)
	}
	for _, f := range kv {
		out = append(out, []byte(f)...)
		out = append(out, 0)
	}
	return out
}

// Decode parses the wire shape Encode produces back into a Device.
func Decode(b []byte) (*Device, error) {
	fields := splitNul(b)
	if len(fields) == 0 {
		return nil, fmt.Errorf("device: empty uevent packet")
	}
	d := &Device{Properties: make(map[string]string)}
	for _, kv := range fields[1:] {
		key, val, ok := cutKV(kv)
		if !ok {
			continue
		}
		switch key {
		case "ACTION":
			d.Action = Action(val)
		case "DEVPATH":
			d.Devpath = val
		case "DEVPATH_OLD":
			d.DevpathOld = val
		case "SUBSYSTEM":
			d.Subsystem = val
		case "DEVTYPE":
			d.Devtype = val
		case "SYSNAME":
			d.Sysname = val
		case "SEQNUM":
			fmt.Sscanf(val, "%d", &d.Seqnum)
		case "MAJOR":
			fmt.Sscanf(val, "%d", &d.Devnum.Major)
		case "MINOR":
			fmt.Sscanf(val, "%d", &d.Devnum.Minor)
		case "IFINDEX":
			fmt.Sscanf(val, "%d", &d.Ifindex)
		default:
			d.Properties[key] = val
		}
	}
	return d, nil
}

// WriteFramed writes d to w as a 4-byte big-endian length prefix followed
// by Encode's payload. The parent/worker monitor pipe is a plain byte
// stream (unlike the real netlink socket or the SOCK_SEQPACKET control
// channel, both message-oriented), so a length prefix is needed to
// recover message boundaries on the reading side.
func WriteFramed(w io.Writer, d *Device) error {
	payload := d.Encode()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("device: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("device: writing frame payload: %w", err)
	}
	return nil
}

// ReadFramed reads one WriteFramed-encoded Device from r.
func ReadFramed(r io.Reader) (*Device, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("device: reading frame payload: %w", err)
	}
	return Decode(payload)
}

func splitNul(b []byte) []string {
	var out []string
	start := 0
	for i, c := range b {
		if c == 0 {
			if i > start {
				out = append(out, string(b[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(b) {
		out = append(out, string(b[start:]))
	}
	return out
}

func cutKV(s string) (key, val string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == '=' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
