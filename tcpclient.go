package reactor

import (
	"fmt"
	"net/netip"
	"sync"
)

// TcpClient composes a Connector with a single-slot TcpConnection
// holder. On connect success, the connector hands the raw descriptor to
// newConnection, which builds a TcpConnection on the client's own loop.
type TcpClient struct {
	loop   *EventLoop
	logger *Logger
	name   string
	retry  bool

	connector *Connector

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback

	mu       sync.Mutex // guards conn: Disconnect may be called from any goroutine
	conn     *TcpConnection
	nextConn int
}

// NewTcpClient constructs a client targeting serverAddr. It does not
// connect until Connect is called.
func NewTcpClient(loop *EventLoop, name string, serverAddr netip.AddrPort, opts ...ClientOption) *TcpClient {
	cfg := resolveClientOptions(opts)

	c := &TcpClient{
		loop:   loop,
		logger: cfg.logger,
		name:   name,
		retry:  cfg.retry,
	}
	c.connector = NewConnector(loop, serverAddr, cfg.logger)
	c.connector.SetNewConnectionCallback(c.newConnection)
	return c
}

func (c *TcpClient) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TcpClient) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TcpClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// EnableRetry turns on automatic reconnection after a disconnect.
func (c *TcpClient) EnableRetry(enabled bool) { c.retry = enabled }

// Connect starts the Connector. Safe to call from any goroutine.
func (c *TcpClient) Connect() { c.connector.Start() }

// newConnection runs on the client's own loop (Connector's callback).
func (c *TcpClient) newConnection(sock Socket) {
	c.loop.assertInLoopThread()

	c.nextConn++
	name := fmt.Sprintf("%s#%d", c.name, c.nextConn)
	local, _ := sock.LocalAddr()
	peer, _ := sock.PeerAddr()

	conn := NewTcpConnection(c.loop, name, sock, local, peer, c.logger)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.setCloseCallback(c.removeConnection)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.connectEstablished()
}

// removeConnection is conn's internal close callback. If retry is
// enabled the Connector is restarted; otherwise it is stopped.
func (c *TcpClient) removeConnection(conn *TcpConnection) {
	c.loop.assertInLoopThread()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	c.loop.QueueInLoop(conn.connectDestroyed)

	if c.retry {
		c.connector.Start()
	} else {
		c.connector.Stop()
	}
}

// Connection returns the current connection, or nil if none is
// established. Safe to call from any goroutine.
func (c *TcpClient) Connection() *TcpConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Disconnect shuts down the write side of the current connection, if any
// (see TcpConnection.Shutdown), and stops the connector so it will not
// retry. Safe to call from any goroutine.
func (c *TcpClient) Disconnect() {
	c.retry = false
	c.connector.Stop()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Shutdown()
	}
}
