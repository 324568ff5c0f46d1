package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCheckFreshThrottled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.d")
	if err := os.WriteFile(path, []byte("# rules"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewFileWatchEngine(path, 50*time.Millisecond)
	if err := e.Load(); err != nil {
		t.Fatal(err)
	}

	if e.CheckFresh() {
		t.Fatalf("freshly loaded file must not report fresh changes")
	}
	// Immediately re-checking must be throttled regardless of file state.
	os.WriteFile(path, []byte("# rules changed"), 0o644)
	if e.CheckFresh() {
		t.Fatalf("CheckFresh must be throttled within the configured interval")
	}

	time.Sleep(60 * time.Millisecond)
	if !e.CheckFresh() {
		t.Fatalf("CheckFresh must detect the mtime change after the throttle window")
	}
}
