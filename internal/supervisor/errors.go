package supervisor

import "errors"

// Sentinel errors for the error kinds in spec.md §7 that the supervisor
// itself originates (as opposed to ones bubbling up %w-wrapped from a
// collaborator package).
var (
	// ErrBadFDSet wraps the error cmd/devmgrd's setupTransport returns when
	// the pre-opened file descriptors handed in by a service manager don't
	// validate (§7 kind 6).
	ErrBadFDSet = errors.New("supervisor: invalid pre-opened file descriptor set")

	// ErrShutdownTimeout is returned by Run when the 30s shutdown watchdog
	// fires before the event loop managed to quiesce (§7 kind 7).
	ErrShutdownTimeout = errors.New("supervisor: shutdown watchdog exceeded 30s")
)
