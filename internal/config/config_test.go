package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestApplyCmdlineOverridesDefaults(t *testing.T) {
	c := Default()
	err := ApplyCmdline(c, "root=/dev/sda1 udev.log_priority=debug udev.event_timeout=30 udev.children_max=4 udev.exec_delay=2")
	if err != nil {
		t.Fatal(err)
	}
	if c.LogLevel != logrus.DebugLevel {
		t.Fatalf("LogLevel = %v, want debug", c.LogLevel)
	}
	if c.EventTimeout != 30*time.Second {
		t.Fatalf("EventTimeout = %v, want 30s", c.EventTimeout)
	}
	if c.ChildrenMax != 4 {
		t.Fatalf("ChildrenMax = %d, want 4", c.ChildrenMax)
	}
	if c.ExecDelay != 2*time.Second {
		t.Fatalf("ExecDelay = %v, want 2s", c.ExecDelay)
	}
}

func TestApplyCmdlineAcceptsNumericLogPriority(t *testing.T) {
	c := Default()
	if err := ApplyCmdline(c, "udev.log_priority=7"); err != nil {
		t.Fatal(err)
	}
	if c.LogLevel != logrus.DebugLevel {
		t.Fatalf("numeric priority 7 should map to debug, got %v", c.LogLevel)
	}
}

func TestApplyCmdlineIgnoresUnknownKeys(t *testing.T) {
	c := Default()
	before := *c
	if err := ApplyCmdline(c, "udev.frobnicate=yes quiet splash"); err != nil {
		t.Fatal(err)
	}
	if *c != before {
		t.Fatalf("unknown udev.* keys must not mutate config")
	}
}

func TestResolveNamesFlagValidation(t *testing.T) {
	var r ResolveNames
	if err := r.Set("early"); err != nil {
		t.Fatal(err)
	}
	if err := r.Set("bogus"); err == nil {
		t.Fatalf("expected an error for an invalid resolve-names value")
	}
}
