// Package config defines devmgrd's immutable runtime configuration and the
// flag/kernel-cmdline parsing that builds it, in the shape of the teacher's
// own runsc/config package (struct + RegisterFlags + NewFromFlags).
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/duskflow/devmgrd/internal/dispatch"
)

// ResolveNames selects when device-name resolution (uid/gid/symlink
// target lookups performed by the rule engine) happens.
type ResolveNames string

const (
	ResolveEarly ResolveNames = "early"
	ResolveLate  ResolveNames = "late"
	ResolveNever ResolveNames = "never"
)

func (r *ResolveNames) String() string {
	if r == nil || *r == "" {
		return string(ResolveLate)
	}
	return string(*r)
}

func (r *ResolveNames) Set(s string) error {
	switch ResolveNames(s) {
	case ResolveEarly, ResolveLate, ResolveNever:
		*r = ResolveNames(s)
		return nil
	default:
		return fmt.Errorf("config: invalid -N/--resolve-names value %q (want early|late|never)", s)
	}
}

// Config is the single immutable snapshot passed by reference through the
// supervisor. Mutation is confined to the control-channel handler (§4.9);
// worker processes receive a fresh copy at spawn time rather than reading
// this struct mid-callback.
type Config struct {
	Daemon  bool
	Debug   bool
	LogLevel logrus.Level

	ChildrenMax  int
	ExecDelay    time.Duration
	EventTimeout time.Duration
	ResolveNames ResolveNames
}

// Default returns the baseline configuration before flags or kernel
// cmdline overrides are applied.
func Default() *Config {
	return &Config{
		LogLevel:     logrus.InfoLevel,
		ChildrenMax:  dispatch.DefaultChildrenMax(),
		ExecDelay:    0,
		EventTimeout: 180 * time.Second,
		ResolveNames: ResolveLate,
	}
}

// RegisterFlags binds Config's fields onto fs, mirroring the short/long
// flag pairs in spec.md §6.
func RegisterFlags(fs *flag.FlagSet, c *Config) {
	fs.BoolVar(&c.Daemon, "daemon", c.Daemon, "detach and run in the background")
	fs.BoolVar(&c.Daemon, "d", c.Daemon, "shorthand for --daemon")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging")
	fs.BoolVar(&c.Debug, "D", c.Debug, "shorthand for --debug")
	fs.IntVar(&c.ChildrenMax, "children-max", c.ChildrenMax, "maximum number of worker processes")
	fs.IntVar(&c.ChildrenMax, "c", c.ChildrenMax, "shorthand for --children-max")
	fs.DurationVar(&c.ExecDelay, "exec-delay", c.ExecDelay, "delay before executing rule actions")
	fs.DurationVar(&c.ExecDelay, "e", c.ExecDelay, "shorthand for --exec-delay")
	fs.DurationVar(&c.EventTimeout, "event-timeout", c.EventTimeout, "per-event warn/kill timeout")
	fs.DurationVar(&c.EventTimeout, "t", c.EventTimeout, "shorthand for --event-timeout")
	fs.Var(&c.ResolveNames, "resolve-names", "when to resolve device names: early|late|never")
	fs.Var(&c.ResolveNames, "N", "shorthand for --resolve-names")
}

// ToArgs reconstructs the long-form flags for c's Debug, ChildrenMax,
// ExecDelay, EventTimeout and ResolveNames, for re-exec'ing this binary
// into a worker (worker.Spawner never inherits flags from the original
// argv). LogLevel and Daemon are not carried. Mirrors the teacher's own
// Config.ToFlags shape.
func (c *Config) ToArgs() []string {
	return []string{
		fmt.Sprintf("--debug=%v", c.Debug),
		fmt.Sprintf("--children-max=%d", c.ChildrenMax),
		fmt.Sprintf("--exec-delay=%s", c.ExecDelay),
		fmt.Sprintf("--event-timeout=%s", c.EventTimeout),
		fmt.Sprintf("--resolve-names=%s", c.ResolveNames.String()),
	}
}

// NewFromFlags parses fs's registered flags plus the kernel command line
// into a validated Config.
func NewFromFlags(fs *flag.FlagSet, args []string) (*Config, error) {
	c := Default()
	RegisterFlags(fs, c)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parsing flags: %w", err)
	}
	if err := ApplyCmdline(c, readProcCmdline()); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyCmdline merges the udev.* kernel-command-line keys (spec.md §6)
// into c. Keys not present leave c's current value untouched; unknown
// udev.* keys are logged and otherwise ignored.
func ApplyCmdline(c *Config, cmdline string) error {
	for _, tok := range strings.Fields(cmdline) {
		key, val, hasVal := strings.Cut(tok, "=")
		switch key {
		case "udev.log_priority":
			if !hasVal {
				continue
			}
			lvl, err := parseLogPriority(val)
			if err != nil {
				return fmt.Errorf("config: udev.log_priority: %w", err)
			}
			c.LogLevel = lvl
		case "udev.event_timeout":
			if !hasVal {
				continue
			}
			secs, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: udev.event_timeout: %w", err)
			}
			c.EventTimeout = time.Duration(secs) * time.Second
		case "udev.children_max":
			if !hasVal {
				continue
			}
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: udev.children_max: %w", err)
			}
			c.ChildrenMax = n
		case "udev.exec_delay":
			if !hasVal {
				continue
			}
			secs, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("config: udev.exec_delay: %w", err)
			}
			c.ExecDelay = time.Duration(secs) * time.Second
		default:
			// Non-udev.* tokens are ignored silently.
			if strings.HasPrefix(key, "udev.") {
				logrus.WithField("key", key).Warn("config: ignoring unknown kernel command line key")
			}
		}
	}
	return nil
}

// parseLogPriority accepts both a syslog-style name (err, warning, info,
// debug) and a raw 0-7 integer, matching the original daemon's
// log_set_max_level_from_string.
func parseLogPriority(s string) (logrus.Level, error) {
	switch s {
	case "err", "error":
		return logrus.ErrorLevel, nil
	case "warning", "warn":
		return logrus.WarnLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unrecognized log priority %q", s)
	}
	switch {
	case n <= 3:
		return logrus.ErrorLevel, nil
	case n == 4:
		return logrus.WarnLevel, nil
	case n <= 6:
		return logrus.InfoLevel, nil
	default:
		return logrus.DebugLevel, nil
	}
}
