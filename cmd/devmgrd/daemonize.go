package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// daemonChildEnv marks a re-exec'd child as already past the fork step, so
// it doesn't daemonize again. Go has no safe direct fork(2) equivalent
// once a program has started goroutines, so this is implemented as a
// self-re-exec, the same substitute the teacher uses in
// runsc/sandbox/sandbox.go for its own "can't just fork" problem.
const daemonChildEnv = "DEVMGRD_DAEMON_CHILD"

// daemonize implements udevd.c's `-d/--daemon` path: fork (via re-exec),
// let the child setsid and redirect its stdio to /dev/null, and block the
// parent until the child signals readiness on a pipe — mirroring the
// original's daemon_pipe handshake — before exiting 0.
func daemonize(args []string, log *logrus.Logger) int {
	exe, err := os.Executable()
	if err != nil {
		log.WithError(err).Error("daemonize: resolving own executable path")
		return 1
	}

	r, w, err := os.Pipe()
	if err != nil {
		log.WithError(err).Error("daemonize: creating readiness pipe")
		return 1
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.ExtraFiles = []*os.File{w}
	cmd.SysProcAttr = &unix.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		log.WithError(err).Error("daemonize: starting background child")
		r.Close()
		w.Close()
		return 1
	}
	w.Close()

	buf := make([]byte, 1)
	if _, err := r.Read(buf); err != nil {
		log.WithError(err).Error("daemonize: background child did not signal readiness")
		cmd.Process.Kill()
		return 1
	}
	return 0
}

// signalDaemonReady writes the one byte the parent's daemonize is blocked
// reading, confirming startup completed (transport set up, rules loaded)
// before the parent exits. Only called in the daemonized child.
func signalDaemonReady() {
	f := os.NewFile(3, "daemon-ready")
	if f == nil {
		return
	}
	defer f.Close()
	fmt.Fprint(f, "1")
}

// redirectStdioToDevNull points fd 0/1/2 at /dev/null, matching the
// original daemon's behavior once it has detached from its controlling
// terminal.
func redirectStdioToDevNull() error {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()
	fd := int(devnull.Fd())
	for _, std := range []int{0, 1, 2} {
		if err := unix.Dup2(fd, std); err != nil {
			return fmt.Errorf("dup2 onto fd %d: %w", std, err)
		}
	}
	return nil
}
