package supervisor

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
)

// notifyReady, notifyStopping and notifyStatus are thin wrappers around
// the sd_notify protocol (SPEC_FULL §3's coreos/go-systemd/v22/daemon
// entry, supplement 7): all are no-ops outside a NOTIFY_SOCKET-supervised
// run, which daemon.SdNotify already handles by returning false, nil.
func notifyReady() {
	daemon.SdNotify(false, daemon.SdNotifyReady)
}

func notifyStopping() {
	daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func notifyStatus(status string) {
	daemon.SdNotify(false, fmt.Sprintf("STATUS=%s", status))
}
