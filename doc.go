// Package reactor implements a single-threaded-per-goroutine reactor for
// TCP networking: an [EventLoop] owning an epoll [Poller] and a
// [TimerQueue], [Channel] registrations binding descriptors to callbacks,
// and a [TcpConnection] state machine composed into [TcpServer] and
// [TcpClient].
//
// # Architecture
//
// One "base" EventLoop runs on the goroutine that creates it. A TcpServer
// wraps an Acceptor registered on that base loop and, optionally, a pool of
// worker EventLoops (one goroutine each). Every accepted descriptor is
// assigned round-robin to a worker loop, which owns the resulting
// TcpConnection for its entire lifetime. Cross-loop calls always go through
// EventLoop.RunInLoop / QueueInLoop, which execute inline on the owning
// goroutine or enqueue a task and wake it via an eventfd.
//
// # Platform
//
// This package is Linux-only: the Poller is epoll-backed, the TimerQueue is
// rooted in a single timerfd, and the EventLoop wakeup descriptor is an
// eventfd.
//
// # Thread affinity
//
// Every EventLoop captures the id of the goroutine that constructs it, and
// Loop must later be called from that same goroutine. EventLoop's
// RunInLoop, QueueInLoop, Quit, IsInLoopThread, RunAt, RunAfter, RunEvery
// and Cancel may be called from any goroutine. Channel registration, and
// the Acceptor, TcpConnection and TcpServer internals built on it, assert
// they run on the owning goroutine and panic (after a logged fatal entry)
// otherwise: a wrong-thread call is a contract violation, not a
// recoverable error.
//
// # Usage
//
//	loop := reactor.NewEventLoop()
//	addr := netip.MustParseAddrPort("0.0.0.0:2007")
//	server := reactor.NewTcpServer(loop, "echo", addr, reactor.WithThreadNum(4))
//	server.SetMessageCallback(func(conn *reactor.TcpConnection, buf *reactor.Buffer, t time.Time) {
//	    conn.SendBuffer(buf)
//	})
//	server.Start()
//	loop.Loop()
package reactor
