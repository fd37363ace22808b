// Package reactor: I/O readiness abstraction.
//
// A Poller indexes registered Channels by descriptor and reports which are
// ready on each call to poll. The only implementation is epoll-backed
// (poller_linux.go); poll, updateChannel, removeChannel, and hasChannel are
// declared here so EventLoop depends on the shape, not the backend.
package reactor

import "time"

// Poller is the readiness oracle an EventLoop polls once per iteration.
type Poller interface {
	// Poll blocks up to timeout waiting for I/O readiness, appends every
	// ready Channel to active (reusing its backing array), and returns
	// the timestamp taken immediately after wakeup.
	Poll(timeout time.Duration, active *[]*Channel) (time.Time, error)
	// UpdateChannel registers ch for its current interest mask, or
	// updates an existing registration, or removes it if the mask is
	// now empty and it was previously registered.
	UpdateChannel(ch *Channel)
	// RemoveChannel detaches ch; ch.IsNoneEvent() must already hold.
	RemoveChannel(ch *Channel)
	// HasChannel reports whether ch is currently registered.
	HasChannel(ch *Channel) bool
	// Close releases the backend's kernel resources.
	Close() error
}
