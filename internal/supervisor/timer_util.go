package supervisor

import "time"

// newFireTimer arms a one-shot timer that signals fired (non-blocking,
// since the channel is always buffered size 1) when it expires.
func newFireTimer(d time.Duration, fired chan<- struct{}) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
}
