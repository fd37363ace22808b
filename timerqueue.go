package reactor

import (
	"container/heap"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// TimerId identifies a scheduled timer for Cancel.
type TimerId uint64

var timerSeq atomic.Uint64

// timerEntry is one scheduled callback. Ordering between two entries uses
// (expiration, sequence) lexicographically, so duplicates at the same
// instant remain distinguishable and stable in the heap.
type timerEntry struct {
	id       TimerId
	seq      uint64
	expires  time.Time
	interval time.Duration // 0 = one-shot
	callback func()
	index    int // heap.Interface bookkeeping
}

// timerHeap is a min-heap of *timerEntry ordered by (expires, seq).
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if !h[i].expires.Equal(h[j].expires) {
		return h[i].expires.Before(h[j].expires)
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// TimerQueue multiplexes an ordered set of timers onto one timerfd, so
// timed work and I/O readiness share a single loop wakeup path. All
// mutation happens on the owning EventLoop's goroutine; addTimer and
// cancel marshal there via RunInLoop/QueueInLoop from any caller.
type TimerQueue struct {
	loop *EventLoop

	timerFd int
	channel *Channel

	heap timerHeap
	byID map[TimerId]*timerEntry

	callingExpired bool
	canceling      map[TimerId]struct{}
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		fatalf(loop.logger, "timerfd_create failed", map[string]string{"err": err.Error()})
	}

	tq := &TimerQueue{
		loop:      loop,
		timerFd:   fd,
		byID:      make(map[TimerId]*timerEntry),
		canceling: make(map[TimerId]struct{}),
	}
	tq.channel = NewChannel(loop, fd)
	tq.channel.SetReadCallback(tq.handleRead)
	tq.channel.EnableReading()
	return tq
}

// close releases the timerfd directly, bypassing the Channel/Poller
// deregistration dance: it is only called from EventLoop.Close once the
// loop has stopped polling, possibly from a different goroutine than the
// one that owned the loop, so going through Channel.Remove's thread
// assertion would be wrong here.
func (tq *TimerQueue) close() error {
	return closeFD(tq.timerFd)
}

// addTimer is safe from any goroutine: it builds the entry, then runs the
// actual insertion on the owning loop.
func (tq *TimerQueue) addTimer(cb func(), when time.Time, interval time.Duration) TimerId {
	seq := timerSeq.Add(1)
	entry := &timerEntry{
		id:       TimerId(seq),
		seq:      seq,
		expires:  when,
		interval: interval,
		callback: cb,
	}
	tq.loop.RunInLoop(func() { tq.insert(entry) })
	return entry.id
}

func (tq *TimerQueue) insert(e *timerEntry) {
	earliestChanged := tq.heap.Len() == 0 || e.expires.Before(tq.heap[0].expires)
	heap.Push(&tq.heap, e)
	tq.byID[e.id] = e
	if earliestChanged {
		tq.resetExpiration(e.expires)
	}
}

// cancel marshals to the owning loop; if the timer is currently firing
// its id goes into the canceling set so handleRead will not re-arm it.
func (tq *TimerQueue) cancel(id TimerId) {
	tq.loop.RunInLoop(func() {
		if tq.callingExpired {
			tq.canceling[id] = struct{}{}
		}
		if e, ok := tq.byID[id]; ok {
			tq.removeEntry(e)
		}
	})
}

func (tq *TimerQueue) removeEntry(e *timerEntry) {
	delete(tq.byID, e.id)
	if e.index >= 0 {
		heap.Remove(&tq.heap, e.index)
	}
}

// handleRead fires on timerfd readiness: it reads the overflow counter
// for diagnostics, pops every entry whose expiration has passed, invokes
// their callbacks outside the heap, then reinserts non-canceled repeating
// timers relative to the single "now" sampled for this wakeup.
func (tq *TimerQueue) handleRead(time.Time) {
	var overrun [8]byte
	if _, err := readFD(tq.timerFd, overrun[:]); err != nil && err != unix.EAGAIN {
		tq.loop.logger.Warning().Err(err).Log("timerfd read failed")
	}

	now := time.Now()
	var expired []*timerEntry
	for tq.heap.Len() > 0 && !tq.heap[0].expires.After(now) {
		e := heap.Pop(&tq.heap).(*timerEntry)
		delete(tq.byID, e.id)
		expired = append(expired, e)
	}

	tq.callingExpired = true
	clear(tq.canceling)
	for _, e := range expired {
		e.callback()
	}
	tq.callingExpired = false

	for _, e := range expired {
		if e.interval <= 0 {
			continue
		}
		if _, canceled := tq.canceling[e.id]; canceled {
			continue
		}
		e.expires = now.Add(e.interval)
		heap.Push(&tq.heap, e)
		tq.byID[e.id] = e
	}
	clear(tq.canceling)

	if tq.heap.Len() > 0 {
		tq.resetExpiration(tq.heap[0].expires)
	}
}

func (tq *TimerQueue) resetExpiration(when time.Time) {
	d := time.Until(when)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tq.timerFd, 0, &spec, nil); err != nil {
		tq.loop.logger.Warning().Err(err).Log("timerfd_settime failed")
	}
}
