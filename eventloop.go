package reactor

import (
	"sync"
	"time"
)

// pollTimeout bounds each Poller.Poll call so the loop periodically wakes
// even with nothing registered, giving Quit and timer armament a bound on
// latency.
const pollTimeout = 10 * time.Second

// Task is a unit of work scheduled onto an EventLoop via RunInLoop or
// QueueInLoop.
type Task func()

// EventLoop is a per-goroutine reactor: it owns a Poller, a TimerQueue, a
// wakeup descriptor, and a pending-task queue, and must run its dispatch
// loop on exactly one goroutine for its entire life.
type EventLoop struct {
	logger *Logger

	state atomicState[EventLoopState]

	loopGoroutine uint64 // the goroutine that called NewEventLoop; must also call Loop

	poller Poller
	active []*Channel

	timerQueue *TimerQueue

	wakeFd      int
	wakeChannel *Channel

	mu      sync.Mutex
	pending []Task

	handlingPending bool
}

// NewEventLoop constructs an EventLoop. It does not start polling; call
// Loop (typically from a dedicated goroutine) to do that.
func NewEventLoop(opts ...EventLoopOption) *EventLoop {
	cfg := resolveEventLoopOptions(opts)

	poller, err := newEpollPoller()
	if err != nil {
		fatalf(cfg.logger, "failed to create poller", map[string]string{"err": err.Error()})
	}
	wakeFd, err := createWakeFd()
	if err != nil {
		fatalf(cfg.logger, "failed to create wakeup descriptor", map[string]string{"err": err.Error()})
	}

	loop := &EventLoop{
		logger: cfg.logger,
		poller: poller,
		wakeFd: wakeFd,
	}
	loop.state.Store(loopCreated)
	// The constructing goroutine is provisionally the owner, so the
	// channel registrations below (and any RunInLoop call before Loop
	// starts) are valid; Loop itself then asserts it is called from this
	// same goroutine.
	loop.loopGoroutine = goroutineID()
	loop.timerQueue = newTimerQueue(loop)

	loop.wakeChannel = NewChannel(loop, wakeFd)
	loop.wakeChannel.SetReadCallback(func(time.Time) {
		if err := drainWakeFd(loop.wakeFd); err != nil {
			loop.logger.Warning().Err(err).Log("failed to drain wakeup descriptor")
		}
	})
	loop.wakeChannel.EnableReading()

	return loop
}

// Loop runs the dispatch loop on the calling goroutine until Quit is
// called. It must not be called re-entrantly or from more than one
// goroutine over the EventLoop's life.
func (l *EventLoop) Loop() error {
	if !l.state.TryTransition(loopCreated, loopRunning) {
		return ErrLoopAlreadyRunning
	}
	if goroutineID() != l.loopGoroutine {
		fatalf(l.logger, "Loop called from a different goroutine than NewEventLoop", nil)
	}

	for l.state.Load() == loopRunning {
		l.active = l.active[:0]
		receiveTime, err := l.poller.Poll(pollTimeout, &l.active)
		if err != nil {
			l.logger.Err().Err(err).Log("poller wait failed")
			continue
		}
		for _, ch := range l.active {
			ch.handleEvent(receiveTime)
		}
		l.doPendingTasks()
	}

	l.state.Store(loopCreated)
	return nil
}

// Quit asks the loop to stop at the next iteration boundary. It is safe
// to call from any goroutine.
func (l *EventLoop) Quit() {
	l.state.Store(loopQuitting)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// IsInLoopThread reports whether the calling goroutine is the loop's
// owner: the goroutine that called NewEventLoop (and must also be the one
// that later calls Loop).
func (l *EventLoop) IsInLoopThread() bool {
	return goroutineID() == l.loopGoroutine
}

// assertInLoopThread panics (after logging a critical entry) if called
// from any goroutine other than the loop's own; this guards the many
// methods on Channel, TcpConnection, and friends that are only safe to
// call from their owning loop.
func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		fatalf(l.logger, "method called from outside the owning loop goroutine", nil)
	}
}

// RunInLoop executes task immediately if called from the loop's own
// goroutine, otherwise marshals it via QueueInLoop.
func (l *EventLoop) RunInLoop(task Task) {
	if l.IsInLoopThread() {
		task()
		return
	}
	l.QueueInLoop(task)
}

// QueueInLoop appends task to the pending queue under the loop's mutex.
// It wakes the loop's poller if called from another goroutine, or if
// called while the loop is already draining its pending queue (so a task
// enqueued by another pending task does not wait a full poll cycle).
func (l *EventLoop) QueueInLoop(task Task) {
	l.mu.Lock()
	l.pending = append(l.pending, task)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.handlingPending {
		l.wakeup()
	}
}

// doPendingTasks swaps the pending queue out under the mutex and runs it
// unlocked, so tasks may safely enqueue further tasks (which then run on
// the next iteration; QueueInLoop wakes the poller so that iteration does
// not wait out the poll timeout).
func (l *EventLoop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.handlingPending = true
	defer func() { l.handlingPending = false }()

	for _, task := range tasks {
		task()
	}
}

func (l *EventLoop) wakeup() {
	if err := writeWakeFd(l.wakeFd); err != nil {
		l.logger.Warning().Err(err).Log("failed to write wakeup descriptor")
	}
}

func (l *EventLoop) updateChannel(ch *Channel) {
	l.assertInLoopThread()
	l.poller.UpdateChannel(ch)
}

func (l *EventLoop) removeChannel(ch *Channel) {
	l.assertInLoopThread()
	l.poller.RemoveChannel(ch)
}

func (l *EventLoop) hasChannel(ch *Channel) bool {
	return l.poller.HasChannel(ch)
}

// RunAt schedules cb to run once at when.
func (l *EventLoop) RunAt(when time.Time, cb func()) TimerId {
	return l.timerQueue.addTimer(cb, when, 0)
}

// RunAfter schedules cb to run once after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb func()) TimerId {
	return l.RunAt(time.Now().Add(delay), cb)
}

// RunEvery schedules cb to run repeatedly, starting after interval, then
// every interval thereafter (rescheduled relative to the wakeup time each
// firing observes, not to the intended tick).
func (l *EventLoop) RunEvery(interval time.Duration, cb func()) TimerId {
	return l.timerQueue.addTimer(cb, time.Now().Add(interval), interval)
}

// Cancel cancels a timer previously returned by RunAt/RunAfter/RunEvery.
func (l *EventLoop) Cancel(id TimerId) {
	l.timerQueue.cancel(id)
}

// Close releases the loop's poller and wakeup descriptor. The loop must
// not be running.
func (l *EventLoop) Close() error {
	if l.state.Load() == loopRunning {
		fatalf(l.logger, "Close called on a running EventLoop", nil)
	}
	_ = l.timerQueue.close()
	_ = closeFD(l.wakeFd)
	return l.poller.Close()
}
