package supervisor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/duskflow/devmgrd/internal/device"
)

// blkrrpart is BLKRRPART, the partition-table-reread ioctl
// (_IO(0x12, 95), linux/fs.h). golang.org/x/sys/unix doesn't export it by
// name, so it's reproduced here the same way the original computes it.
const blkrrpart = 0x125f

// synthesizeChange implements spec.md §4.7 for the device node at
// nodePath: disks get a non-blocking partition-table reread first, and are
// skipped (on the assumption the kernel already emitted its own
// add/remove/change events) if that reread succeeds and child partitions
// exist; otherwise the disk gets a synthetic "change" write to its own
// sysfs uevent file followed by one to each partition child's. Every other
// device gets a single "change" write to its own uevent file.
func (m *Manager) synthesizeChange(nodePath string) {
	m.devMu.Lock()
	dev, ok := m.watchedDevices[nodePath]
	m.devMu.Unlock()
	if !ok {
		return
	}

	if dev.IsBlock() && dev.Devtype == "disk" && !strings.HasPrefix(dev.Sysname, "dm-") {
		if m.tryRereadPartitionTable(nodePath) && hasPartitionChildren(dev) {
			return
		}
		m.writeSynthesizeChange(dev.Syspath())
		for _, childSyspath := range partitionChildSyspaths(dev) {
			m.writeSynthesizeChange(childSyspath)
		}
		return
	}
	m.writeSynthesizeChange(dev.Syspath())
}

// tryRereadPartitionTable attempts a non-blocking exclusive flock on
// nodePath and, if obtained, issues BLKRRPART. Failure to lock means an
// external tool (a partitioner) holds the node; the caller falls back to
// writing "change" directly.
func (m *Manager) tryRereadPartitionTable(nodePath string) bool {
	fd, err := unix.Open(nodePath, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return false
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	if err := unix.IoctlSetInt(fd, blkrrpart, 0); err != nil {
		m.log.WithError(err).WithField("path", nodePath).Debug("BLKRRPART failed")
		return false
	}
	return true
}

func (m *Manager) writeSynthesizeChange(syspath string) {
	p := filepath.Join(syspath, "uevent")
	if err := os.WriteFile(p, []byte("change"), 0o200); err != nil {
		m.log.WithError(err).WithField("path", p).Warn("failed to synthesize change event")
	}
}

// hasPartitionChildren scans a disk's sysfs directory for partition
// children, named <sysname><N> (e.g. sda1, sda2).
func hasPartitionChildren(dev *device.Device) bool {
	return len(partitionChildSyspaths(dev)) > 0
}

func partitionChildSyspaths(dev *device.Device) []string {
	entries, err := os.ReadDir(dev.Syspath())
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, dev.Sysname) || len(name) <= len(dev.Sysname) {
			continue
		}
		if _, err := strconv.Atoi(name[len(dev.Sysname):]); err != nil {
			continue
		}
		out = append(out, filepath.Join(dev.Syspath(), name))
	}
	return out
}
