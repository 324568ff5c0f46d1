// Package workerproc is the re-exec'd worker's inner loop (spec.md §4.5):
// receive one device, take an advisory lock if applicable, apply rules,
// publish, and signal completion over the credentialed reply socket.
package workerproc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/gocapability/capability"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/duskflow/devmgrd/internal/device"
	"github.com/duskflow/devmgrd/internal/netlinkmon"
	"github.com/duskflow/devmgrd/internal/rules"
)

// lockBlockedPrefixes are sysname prefixes that never take the advisory
// lock: partitioning tools treat these device-mapper/MD/DRBD nodes
// specially and the original daemon deliberately skips them.
var lockBlockedPrefixes = []string{"dm-", "md", "drbd"}

// Runtime is the worker's full execution context for one device.
type Runtime struct {
	MonitorR io.Reader      // the worker's read end of the private monitor pipe
	ReplyFD  int            // SOCK_DGRAM socketpair fd back to the parent, SO_PASSCRED-identified
	Publish  netlinkmon.Monitor
	Rules    rules.Engine
	ExecDelay time.Duration
	Log      *logrus.Entry
}

// Run is the worker's single-threaded loop: receive, lock, apply, publish,
// reply, release, repeat, until MonitorR is closed (parent reaped us) or a
// terminating signal arrives. Signal handling itself is installed by the
// caller (cmd/devmgrd's worker entry point) via PR_SET_PDEATHSIG plus a
// standard signal.Notify; Run only needs a stop channel.
func (r *Runtime) Run(stop <-chan struct{}) error {
	type recvResult struct {
		dev *device.Device
		err error
	}
	recvCh := make(chan recvResult, 1)

	for {
		go func() {
			dev, err := device.ReadFramed(r.MonitorR)
			recvCh <- recvResult{dev, err}
		}()

		select {
		case <-stop:
			return nil
		case res := <-recvCh:
			if res.err != nil {
				if res.err == io.EOF {
					return nil
				}
				return fmt.Errorf("workerproc: receiving device: %w", res.err)
			}
			if err := r.handle(res.dev); err != nil {
				r.Log.WithError(err).WithField("devpath", res.dev.Devpath).Warn("rule/action failure for event")
			}
		}
	}
}

func (r *Runtime) handle(dev *device.Device) error {
	if dev.Action != device.ActionRemove && r.shallLockDevice(dev) {
		if release, locked := r.tryLock(dev); locked {
			defer release()
		} else {
			r.Log.WithField("devpath", dev.Devpath).Info("advisory lock held by another process, skipping rule execution")
			return r.reply(dev)
		}
	}

	if dev.IsNet() {
		if err := r.pinNetns(); err != nil {
			r.Log.WithError(err).Warn("failed to pin network namespace")
		}
	}

	if err := DropPrivileges(dev); err != nil {
		r.Log.WithError(err).Debug("failed to narrow capability set for this device, continuing with current set")
	}

	if err := r.Rules.Apply(dev); err != nil {
		r.Log.WithError(err).Warn("rule engine returned an error; still publishing and replying")
	}

	if r.ExecDelay > 0 {
		time.Sleep(r.ExecDelay)
	}

	if err := r.Publish.Send(dev); err != nil {
		r.Log.WithError(err).Warn("failed to publish processed device")
	}

	return r.reply(dev)
}

// shallLockDevice matches the original daemon's shall_lock_device: only
// block devices whose sysname doesn't start with dm-/md/drbd take the
// advisory lock before rule execution.
func (r *Runtime) shallLockDevice(dev *device.Device) bool {
	if !dev.IsBlock() {
		return false
	}
	for _, prefix := range lockBlockedPrefixes {
		if strings.HasPrefix(dev.Sysname, prefix) {
			return false
		}
	}
	return true
}

// tryLock attempts a non-blocking shared advisory lock on the device node
// (or, for a partition, its parent disk's node — udevd.c:428-442 resolves
// the parent before locking since partitioning tools operate on the whole
// disk, not the individual partition). Failure means an external tool
// (e.g. a partitioner) holds an exclusive lock; the worker must skip rule
// execution but still reply.
func (r *Runtime) tryLock(dev *device.Device) (release func(), ok bool) {
	path := devnodePath(dev)

	// gofrs/flock opens path itself without O_NOFOLLOW; pre-check here so a
	// symlinked devnode path is rejected before any lock attempt (spec.md
	// §4.3 / udevd.c:435's O_RDONLY|O_NONBLOCK|O_NOFOLLOW|O_CLOEXEC open).
	// This narrows but doesn't close the race entirely since flock's own
	// open is a separate fd against the same path.
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, false
	}
	unix.Close(fd)

	fl := flock.New(path)
	locked, err := fl.TryRLock()
	if err != nil || !locked {
		return nil, false
	}
	return func() { fl.Unlock() }, true
}

// devnodePath resolves the node tryLock should lock: a partition's whole
// disk rather than the partition itself, otherwise the device's own node.
func devnodePath(dev *device.Device) string {
	if dev.Devtype == "partition" {
		return filepath.Join("/dev", parentSysname(dev))
	}
	if name := dev.Properties["DEVNAME"]; name != "" {
		return name
	}
	return filepath.Join("/dev", dev.Sysname)
}

// parentSysname recovers a partition's whole-disk sysname from its devpath
// alone, with no stored parent reference needed: in the kernel's sysfs
// block-device layout a partition's devpath is always one directory below
// its disk's (.../block/sda/sda1), so the parent's sysname is just the
// basename one level up.
func parentSysname(dev *device.Device) string {
	return filepath.Base(filepath.Dir(dev.Devpath))
}

// pinNetns pins the worker to its current network namespace before
// touching interface state, mirroring the teacher's own netns.Get/Set use
// around sandbox networking setup.
func (r *Runtime) pinNetns() error {
	ns, err := netns.Get()
	if err != nil {
		return fmt.Errorf("workerproc: netns.Get: %w", err)
	}
	defer ns.Close()
	return netns.Set(ns)
}

// reply sends the fixed-size completion message (a single zero byte whose
// content the parent ignores), which the parent identifies by SO_PASSCRED
// peer credentials.
func (r *Runtime) reply(dev *device.Device) error {
	_, err := unix.Write(r.ReplyFD, []byte{0})
	if err != nil {
		return fmt.Errorf("workerproc: sending completion for seqnum %d: %w", dev.Seqnum, err)
	}
	return nil
}

// DropPrivileges reduces the worker's capability set to the minimum the
// device's subsystem needs before any rule action runs: CAP_MKNOD for
// block-subsystem devices, CAP_NET_ADMIN for network interfaces (ifindex
// set), nothing otherwise (character devices included).
func DropPrivileges(dev *device.Device) error {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return fmt.Errorf("workerproc: loading capability set: %w", err)
	}
	caps.Clear(capability.CAPS)

	switch {
	case dev.IsBlock():
		caps.Set(capability.CAPS, capability.CAP_MKNOD)
	case dev.IsNet():
		caps.Set(capability.CAPS, capability.CAP_NET_ADMIN)
	}

	if err := caps.Apply(capability.CAPS); err != nil {
		return fmt.Errorf("workerproc: applying capability set: %w", err)
	}
	return nil
}
