package main

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/duskflow/devmgrd/internal/config"
	"github.com/duskflow/devmgrd/internal/worker"
)

// newSpawner builds the worker.Spawner the pool uses to start each child:
// a re-exec of this same binary with a "worker" marker and the flags
// config.Config.ToArgs builds from cfg, so every worker gets its own fresh
// snapshot instead of reading the supervisor's mutable Config — the same
// re-exec-self shape as runsc/sandbox.go's createSandboxProcess, adapted
// from "one privileged sandbox child" to "one of up to children_max
// worker children."
func newSpawner(cfg *config.Config) worker.Spawner {
	return func(monitorFD, replyFD *os.File) (*exec.Cmd, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("spawn: resolving own executable path: %w", err)
		}

		args := append([]string{"worker"}, cfg.ToArgs()...)
		cmd := exec.Command(exe, args...)
		cmd.Args[0] = "devmgrd: worker"
		cmd.ExtraFiles = []*os.File{monitorFD, replyFD}
		cmd.Env = clearNotifySocket(os.Environ())
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &unix.SysProcAttr{
			// PR_SET_PDEATHSIG=SIGTERM (spec.md §6): if the supervisor dies
			// unexpectedly, every worker gets cleanly terminated rather than
			// orphaned. Set via SysProcAttr, the same mechanism the teacher
			// uses for its own sandbox child in runsc/sandbox/sandbox.go.
			Pdeathsig: unix.SIGTERM,
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("spawn: starting worker: %w", err)
		}
		return cmd, nil
	}
}

// clearNotifySocket drops NOTIFY_SOCKET from env so a worker never mistakes
// itself for the sd_notify-supervised process (spec.md §6: "explicitly
// cleared in workers").
func clearNotifySocket(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if strings.HasPrefix(kv, "NOTIFY_SOCKET=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
