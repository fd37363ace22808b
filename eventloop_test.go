package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startLoop spawns an EventLoop on its own goroutine via EventLoopThread,
// since NewEventLoop and Loop must run on the same goroutine.
func startLoop(t *testing.T) *EventLoop {
	t.Helper()
	thread := NewEventLoopThread(nil)
	loop := thread.StartLoop()
	t.Cleanup(func() {
		thread.Shutdown()
		require.Eventually(t, func() bool {
			return loop.state.Load() == loopCreated
		}, time.Second, time.Millisecond)
		_ = loop.Close()
	})
	return loop
}

func TestEventLoop_SecondLoopCallFails(t *testing.T) {
	loop := startLoop(t)
	require.Eventually(t, func() bool {
		return loop.state.Load() == loopRunning
	}, time.Second, time.Millisecond)
	assert.Equal(t, ErrLoopAlreadyRunning, loop.Loop())
}

func TestEventLoop_RunInLoopFromOwnGoroutineRunsInline(t *testing.T) {
	loop := startLoop(t)
	var ran, ranInline bool
	done := make(chan struct{})
	loop.RunInLoop(func() {
		loop.RunInLoop(func() {
			ran = true
		})
		// The nested call is made on the loop goroutine, so its task must
		// already have run by the time it returns.
		ranInline = ran
		close(done)
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunInLoop task never executed")
	}
	assert.True(t, ranInline)
}

func TestEventLoop_QueueInLoopFromForeignGoroutine(t *testing.T) {
	loop := startLoop(t)
	var counter atomic.Int32
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			loop.QueueInLoop(func() { counter.Add(1) })
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return counter.Load() == n
	}, time.Second, time.Millisecond)
}

func TestEventLoop_RunAfterFiresOnce(t *testing.T) {
	loop := startLoop(t)
	var fired atomic.Int32
	loop.RunAfter(10*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestEventLoop_RunEveryFiresRepeatedly(t *testing.T) {
	loop := startLoop(t)
	var fired atomic.Int32
	id := loop.RunEvery(5*time.Millisecond, func() { fired.Add(1) })

	require.Eventually(t, func() bool {
		return fired.Load() >= 3
	}, time.Second, time.Millisecond)

	loop.Cancel(id)
	after := fired.Load()
	time.Sleep(50 * time.Millisecond)
	// A timer already in flight when Cancel races in may fire one more
	// time, but it must not keep firing after that.
	assert.LessOrEqual(t, fired.Load(), after+1)
}

func TestEventLoop_TimerOrdering(t *testing.T) {
	loop := startLoop(t)
	var mu sync.Mutex
	var order []string

	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}

	loop.RunAfter(100*time.Millisecond, record("A"))
	loop.RunAfter(100*time.Millisecond, record("B"))
	loop.RunAfter(50*time.Millisecond, record("C"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "C", order[0])
	assert.ElementsMatch(t, []string{"A", "B"}, order[1:])
}

func TestEventLoop_IsInLoopThread(t *testing.T) {
	loop := startLoop(t)
	assert.False(t, loop.IsInLoopThread())

	result := make(chan bool, 1)
	loop.RunInLoop(func() { result <- loop.IsInLoopThread() })
	select {
	case v := <-result:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}
