package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/duskflow/devmgrd/internal/config"
	"github.com/duskflow/devmgrd/internal/netlinkmon"
	"github.com/duskflow/devmgrd/internal/rules"
	"github.com/duskflow/devmgrd/internal/workerproc"
)

// worker fd convention: the pool donates the monitor pipe's read end and
// the reply socket's child end, in that order, via cmd.ExtraFiles starting
// at fd 3 (spec.md §4.2's spawn contract).
const (
	monitorFD = 3
	replyFD   = 4
)

// runWorker is the re-exec'd child's entry point: parse the flags the
// parent reproduced via Config.ToArgs, drop NOTIFY_SOCKET, and run
// workerproc.Runtime's inner loop (spec.md §4.5) until the parent closes
// the monitor pipe or sends SIGTERM.
func runWorker(args []string) error {
	os.Unsetenv("NOTIFY_SOCKET")

	fs := flag.NewFlagSet("devmgrd worker", flag.ContinueOnError)
	cfg := config.Default()
	config.RegisterFlags(fs, cfg)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("worker: parsing flags: %w", err)
	}

	log := newLogger(cfg).WithField("component", "workerproc").WithField("pid", os.Getpid())

	monitor := os.NewFile(monitorFD, "monitor")
	if monitor == nil {
		return fmt.Errorf("worker: missing donated monitor fd %d", monitorFD)
	}
	defer monitor.Close()

	publish, err := netlinkmon.New()
	if err != nil {
		return fmt.Errorf("worker: opening publish monitor: %w", err)
	}
	defer publish.Close()

	rulesEngine := rules.NewFileWatchEngine(rulesPath, rulesCheckInterval)
	if err := rulesEngine.Load(); err != nil {
		log.WithError(err).Warn("failed to load rule database, proceeding without it")
	}

	rt := &workerproc.Runtime{
		MonitorR:  monitor,
		ReplyFD:   replyFD,
		Publish:   publish,
		Rules:     rulesEngine,
		ExecDelay: cfg.ExecDelay,
		Log:       log,
	}

	stop := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(stop)
	}()

	return rt.Run(stop)
}
