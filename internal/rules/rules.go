// Package rules defines the out-of-scope rule-engine collaborator contract
// (load, check-freshness, apply-to-event) plus a minimal real
// file-timestamp-based implementation, throttled the way manager_reload
// throttles its own freshness check.
package rules

import (
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/duskflow/devmgrd/internal/device"
)

// Engine is the contract the supervisor and workers depend on. Its
// internal sophistication (a full rule-file grammar) is intentionally out
// of scope, matching spec.md §1.
type Engine interface {
	// Load (re)reads the rule database from disk.
	Load() error
	// CheckFresh reports whether Load should be called again, throttled to
	// at most once per the configured interval.
	CheckFresh() bool
	// Apply runs the rule database against dev, mutating it in place
	// (name resolution, property overrides, deferred actions).
	Apply(dev *device.Device) error
}

// FileWatchEngine is a minimal Engine backed by the mtime of a single rule
// file, gated by a rate limiter so repeated CheckFresh calls across a busy
// event loop don't hammer stat(2) more than once per interval — the same
// shape as manager_reload's "checked at most every 3s" last_config_check
// gate.
type FileWatchEngine struct {
	path    string
	limiter *rate.Limiter

	mu      sync.Mutex
	modTime time.Time
	loaded  bool
}

// NewFileWatchEngine builds an Engine watching path, with freshness checks
// throttled to at most one per checkInterval (3s in the original daemon).
func NewFileWatchEngine(path string, checkInterval time.Duration) *FileWatchEngine {
	return &FileWatchEngine{
		path:    path,
		limiter: rate.NewLimiter(rate.Every(checkInterval), 1),
	}
}

func (e *FileWatchEngine) Load() error {
	info, err := os.Stat(e.path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.modTime = info.ModTime()
	e.loaded = true
	e.mu.Unlock()
	return nil
}

func (e *FileWatchEngine) CheckFresh() bool {
	if !e.limiter.Allow() {
		return false
	}
	info, err := os.Stat(e.path)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return true
	}
	return info.ModTime().After(e.modTime)
}

// Apply is a pass-through: the real rule grammar is the out-of-scope
// collaborator spec.md names; this minimal engine only proves the wiring.
func (e *FileWatchEngine) Apply(dev *device.Device) error {
	return nil
}
