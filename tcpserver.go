package reactor

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/joeycumines/go-catrate"
)

// TcpServer composes an Acceptor (on its base loop) with an optional
// worker EventLoop pool. Accepted descriptors are assigned round-robin to
// a worker loop, which owns the resulting TcpConnection for its entire
// lifetime.
type TcpServer struct {
	baseLoop *EventLoop
	logger   *Logger
	name     string

	acceptor   *Acceptor
	threadPool *EventLoopThreadPool
	threadNum  int

	connRateLimiter *catrate.Limiter

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	mu          sync.Mutex // guards connections: touched only on baseLoop, but Connections() is public
	connections map[string]*TcpConnection
	nextConnID  int

	started bool
}

// NewTcpServer constructs a server that will listen on addr once Start
// is called. baseLoop also runs the Acceptor.
func NewTcpServer(baseLoop *EventLoop, name string, addr netip.AddrPort, opts ...ServerOption) *TcpServer {
	cfg := resolveServerOptions(opts)

	s := &TcpServer{
		baseLoop:    baseLoop,
		logger:      cfg.logger,
		name:        name,
		threadNum:   cfg.threadNum,
		connections: make(map[string]*TcpConnection),
	}
	if len(cfg.connRateRates) > 0 {
		s.connRateLimiter = catrate.NewLimiter(cfg.connRateRates)
	}

	acceptor, err := NewAcceptor(baseLoop, addr, cfg.threadNum > 0, cfg.logger)
	if err != nil {
		fatalf(cfg.logger, "failed to construct acceptor", map[string]string{"err": err.Error()})
	}
	s.acceptor = acceptor
	s.acceptor.SetNewConnectionCallback(s.newConnection)

	s.threadPool = NewEventLoopThreadPool(baseLoop, nil)
	return s
}

// Addr returns the server's bound listening address, resolving the actual
// ephemeral port when constructed with port 0.
func (s *TcpServer) Addr() netip.AddrPort { return s.acceptor.Addr() }

func (s *TcpServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TcpServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TcpServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// Start begins listening and, the first time it is called, spawns the
// worker thread pool. Subsequent calls are no-ops.
func (s *TcpServer) Start() {
	s.baseLoop.RunInLoop(func() {
		if s.started {
			return
		}
		s.started = true
		s.threadPool.Start(s.threadNum)
		if err := s.acceptor.Listen(); err != nil {
			fatalf(s.logger, "failed to start listening", map[string]string{"err": err.Error()})
		}
	})
}

// newConnection runs on the base loop (Acceptor's callback). It picks a
// worker loop, builds the TcpConnection there, and records it in the
// name→connection map before scheduling connectEstablished.
func (s *TcpServer) newConnection(sock Socket, peer netip.AddrPort) {
	s.baseLoop.assertInLoopThread()

	if s.connRateLimiter != nil {
		if _, allowed := s.connRateLimiter.Allow(peer.Addr().String()); !allowed {
			_ = sock.Close()
			return
		}
	}

	s.nextConnID++
	name := fmt.Sprintf("%s-%s#%d", s.name, peer, s.nextConnID)

	loop := s.threadPool.GetNextLoop()
	local, _ := sock.LocalAddr()

	conn := NewTcpConnection(loop, name, sock, local, peer, s.logger)
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.setCloseCallback(s.removeConnection)

	s.mu.Lock()
	s.connections[name] = conn
	s.mu.Unlock()

	loop.RunInLoop(conn.connectEstablished)
}

// removeConnection is conn's internal close callback: it erases the
// bookkeeping entry (on the base loop, as required) then schedules
// connectDestroyed on the connection's own worker loop.
func (s *TcpServer) removeConnection(conn *TcpConnection) {
	s.baseLoop.RunInLoop(func() {
		s.mu.Lock()
		delete(s.connections, conn.Name())
		s.mu.Unlock()

		conn.Loop().QueueInLoop(conn.connectDestroyed)
	})
}

// Connections returns a snapshot of the currently tracked connections.
func (s *TcpServer) Connections() map[string]*TcpConnection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*TcpConnection, len(s.connections))
	for k, v := range s.connections {
		out[k] = v
	}
	return out
}
