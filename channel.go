package reactor

import (
	"time"
	"weak"
)

// PollEvent is a bitmask of readiness conditions reported by a Poller and
// requested by a Channel's interest mask.
type PollEvent uint32

const (
	EventNone PollEvent = 0
	// EventReadable covers EPOLLIN and EPOLLPRI: ordinary and urgent data.
	EventReadable PollEvent = 1 << (iota - 1)
	EventWritable
	// EventError covers EPOLLERR.
	EventError
	// EventHangup covers EPOLLHUP: the peer closed unexpectedly.
	EventHangup
	// EventReadHangup covers EPOLLRDHUP: the peer half-closed for writing.
	EventReadHangup
)

// pollerState is the Poller's three-valued marker for a Channel, letting
// updateChannel choose EPOLL_CTL_ADD vs EPOLL_CTL_MOD without a lookup.
type pollerState int

const (
	channelNew pollerState = iota
	channelAdded
	channelDeleted
)

// ReadCallback handles a readable Channel; t is the time the readiness was
// observed, threaded through from the Poller's post-wakeup timestamp.
type ReadCallback func(t time.Time)

// Channel binds one file descriptor to its owning EventLoop: an interest
// mask, the last-reported readiness mask, and per-event callbacks. A
// Channel belongs to exactly one EventLoop for its entire life and must be
// removed from the Poller before the descriptor is closed.
type Channel struct {
	loop *EventLoop
	fd   int

	events  PollEvent // interest mask
	revents PollEvent // last reported readiness

	readCallback  ReadCallback
	writeCallback func()
	closeCallback func()
	errorCallback func()

	state         pollerState
	index         int // always -1: the epoll Poller indexes Channels by descriptor instead
	eventHandling bool
	addedToLoop   bool
	tie           weak.Pointer[TcpConnection]
	tied          bool
}

// NewChannel creates a Channel for fd, owned by loop. The Channel starts
// with no interest and must be enabled (EnableReading etc.) before the
// Poller will report anything for it.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		state: channelNew,
		index: -1,
	}
}

// Fd returns the underlying descriptor.
func (c *Channel) Fd() int { return c.fd }

func (c *Channel) SetReadCallback(cb ReadCallback)   { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb func())        { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb func())        { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb func())        { c.errorCallback = cb }

// Tie arms a weak owner reference: for the duration of handleEvent, the
// owner must still be strongly reachable elsewhere (e.g. a TcpServer's
// connection map), or the event is silently skipped. This lets a
// TcpConnection that has otherwise dropped out of scope be collected
// without its Channel's dispatch touching freed state.
func (c *Channel) Tie(owner *TcpConnection) {
	c.tie = weak.Make(owner)
	c.tied = true
}

func (c *Channel) EnableReading() {
	c.events |= EventReadable
	c.update()
}

func (c *Channel) EnableWriting() {
	c.events |= EventWritable
	c.update()
}

func (c *Channel) DisableWriting() {
	c.events &^= EventWritable
	c.update()
}

func (c *Channel) DisableAll() {
	c.events = EventNone
	c.update()
}

func (c *Channel) IsWriting() bool { return c.events&EventWritable != 0 }
func (c *Channel) IsReading() bool { return c.events&EventReadable != 0 }
func (c *Channel) IsNoneEvent() bool { return c.events == EventNone }

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.updateChannel(c)
}

// Remove asserts no interest bits remain, then detaches the Channel from
// its loop's Poller. Calling it while interest is still set is a
// programming error, matching Channel::remove in the source design.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		fatalf(nil, "channel removed while interest bits still set", map[string]string{"fd": itoa(c.fd)})
	}
	c.addedToLoop = false
	c.loop.removeChannel(c)
}

// setRevents records the readiness mask reported by the Poller for the
// current iteration.
func (c *Channel) setRevents(ev PollEvent) { c.revents = ev }

// handleEvent interprets the last-reported readiness mask against the
// ordered rule set: hangup without readability closes; error bits error;
// readable/priority/hangup-with-pending-data reads; writable writes. If a
// weak tie is armed, the owner must resolve or the event is skipped.
func (c *Channel) handleEvent(t time.Time) {
	if c.tied {
		if c.tie.Value() == nil {
			return
		}
	}
	c.eventHandling = true
	defer func() { c.eventHandling = false }()

	if c.revents&EventHangup != 0 && c.revents&EventReadable == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
		return
	}
	if c.revents&EventError != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(EventReadable|EventReadHangup) != 0 {
		if c.readCallback != nil {
			c.readCallback(t)
		}
	}
	if c.revents&EventWritable != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
