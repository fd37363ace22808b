package reactor

import "sync"

// ThreadInitCallback runs once inside a worker goroutine, before its
// EventLoop starts polling.
type ThreadInitCallback func(loop *EventLoop)

// EventLoopThread spawns a goroutine that owns exactly one EventLoop for
// its entire life. StartLoop blocks until that loop is constructed and
// published, so callers never observe a nil loop.
type EventLoopThread struct {
	opts       []EventLoopOption
	initCb     ThreadInitCallback

	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop
}

// NewEventLoopThread constructs a thread wrapper. initCb, if non-nil,
// runs on the worker goroutine immediately after the loop is created and
// before StartLoop returns or the loop starts polling.
func NewEventLoopThread(initCb ThreadInitCallback, opts ...EventLoopOption) *EventLoopThread {
	t := &EventLoopThread{opts: opts, initCb: initCb}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the worker goroutine and blocks until its EventLoop
// has been constructed and published.
func (t *EventLoopThread) StartLoop() *EventLoop {
	go t.runLoop()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *EventLoopThread) runLoop() {
	loop := NewEventLoop(t.opts...)
	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	_ = loop.Loop()
}

// Shutdown quits the worker loop. It does not wait for the worker
// goroutine's Loop call to return.
func (t *EventLoopThread) Shutdown() {
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
	}
}

// EventLoopThreadPool spawns N worker EventLoopThreads and distributes
// work across them round-robin (or by an explicit hash key).
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	opts     []EventLoopOption
	initCb   ThreadInitCallback

	threads []*EventLoopThread
	loops   []*EventLoop
	next    int
}

// NewEventLoopThreadPool constructs a pool rooted at baseLoop.
func NewEventLoopThreadPool(baseLoop *EventLoop, initCb ThreadInitCallback, opts ...EventLoopOption) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, opts: opts, initCb: initCb}
}

// Start spawns numThreads worker threads, blocking until every one has
// published its EventLoop.
func (p *EventLoopThreadPool) Start(numThreads int) {
	for i := 0; i < numThreads; i++ {
		t := NewEventLoopThread(p.initCb, p.opts...)
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.StartLoop())
	}
}

// GetNextLoop returns the base loop when the pool has zero worker
// threads, otherwise advances a round-robin cursor modulo the pool size.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// GetLoopForHash selects a worker loop by a caller-supplied key modulo
// the pool size, pinning related work to the same loop.
func (p *EventLoopThreadPool) GetLoopForHash(key int) *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	if key < 0 {
		key = -key
	}
	return p.loops[key%len(p.loops)]
}

// Shutdown quits every worker loop.
func (p *EventLoopThreadPool) Shutdown() {
	for _, t := range p.threads {
		t.Shutdown()
	}
}
