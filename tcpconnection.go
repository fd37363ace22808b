package reactor

import (
	"net/netip"
	"time"
)

// ConnectionCallback fires on both connection establishment and
// destruction; distinguish the two via conn.Connected().
type ConnectionCallback func(conn *TcpConnection)

// MessageCallback fires when bytes become readable. Retrieving from buf
// is how the handler consumes them; anything left in buf survives to the
// next call.
type MessageCallback func(conn *TcpConnection, buf *Buffer, receiveTime time.Time)

// WriteCompleteCallback fires when the output buffer has fully drained.
type WriteCompleteCallback func(conn *TcpConnection)

// HighWaterMarkCallback fires when the output buffer's length crosses
// highWaterMark going up (never on the way back down, and never more
// than once per crossing).
type HighWaterMarkCallback func(conn *TcpConnection, currentSize int)

const defaultHighWaterMark = 64 * 1024 * 1024

// TcpConnection is a single connection's state machine, Buffer-backed
// I/O, and callback dispatch point. It lives entirely on one EventLoop;
// its Channel holds only a weak tie back to it (see Channel.Tie), and an
// event is dispatched only while that tie still resolves.
type TcpConnection struct {
	loop   *EventLoop
	logger *Logger
	name   string

	sock    Socket
	channel *Channel

	localAddr netip.AddrPort
	peerAddr  netip.AddrPort

	state atomicState[ConnState]

	inputBuffer  *Buffer
	outputBuffer *Buffer

	highWaterMark int

	connectionCallback     ConnectionCallback
	messageCallback        MessageCallback
	writeCompleteCallback  WriteCompleteCallback
	highWaterMarkCallback  HighWaterMarkCallback
	closeCallback ConnectionCallback // internal: notifies TcpServer/TcpClient to erase bookkeeping
}

// NewTcpConnection constructs a connection over sock, owned by loop. It
// does not start reading; connectEstablished does that.
func NewTcpConnection(loop *EventLoop, name string, sock Socket, localAddr, peerAddr netip.AddrPort, logger *Logger) *TcpConnection {
	c := &TcpConnection{
		loop:          loop,
		logger:        logger,
		name:          name,
		sock:          sock,
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(StateConnecting)

	_ = sock.SetTcpNoDelay(true)
	_ = sock.SetKeepAlive(true)

	c.channel = NewChannel(loop, sock.Fd())
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	c.channel.Tie(c)
	return c
}

func (c *TcpConnection) Name() string               { return c.name }
func (c *TcpConnection) LocalAddr() netip.AddrPort  { return c.localAddr }
func (c *TcpConnection) PeerAddr() netip.AddrPort   { return c.peerAddr }
func (c *TcpConnection) Connected() bool            { return c.state.Load() == StateConnected }
func (c *TcpConnection) Disconnected() bool         { return c.state.Load() == StateDisconnected }
func (c *TcpConnection) Loop() *EventLoop           { return c.loop }

func (c *TcpConnection) SetConnectionCallback(cb ConnectionCallback)         { c.connectionCallback = cb }
func (c *TcpConnection) SetMessageCallback(cb MessageCallback)               { c.messageCallback = cb }
func (c *TcpConnection) SetWriteCompleteCallback(cb WriteCompleteCallback)   { c.writeCompleteCallback = cb }
func (c *TcpConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, n int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = n
}
func (c *TcpConnection) setCloseCallback(cb ConnectionCallback) { c.closeCallback = cb }

// connectEstablished transitions connecting → connected, enables reading,
// and fires the connection callback. Must run on the owning loop.
func (c *TcpConnection) connectEstablished() {
	c.loop.assertInLoopThread()
	if !c.state.TryTransition(StateConnecting, StateConnected) {
		fatalf(c.logger, "connectEstablished called outside the connecting state", nil)
	}
	c.channel.EnableReading()
	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed removes the Channel. If handleClose has not already run
// (the state is still connected), it first sets the state to disconnected
// and fires the connection callback, so the disconnect is reported exactly
// once. Must run on the owning loop.
func (c *TcpConnection) connectDestroyed() {
	c.loop.assertInLoopThread()
	if c.state.Load() == StateConnected {
		c.state.Store(StateDisconnected)
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
}

func (c *TcpConnection) handleRead(t time.Time) {
	n, err := c.inputBuffer.ReadFd(c.sock.Fd())
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, t)
		}
	case n == 0:
		c.handleClose()
	default:
		if err == unixEAGAIN || err == unixEWOULDBLOCK || err == unixEINTR {
			return
		}
		c.logger.Err().Err(err).Log("handleRead failed")
		c.handleError()
	}
}

func (c *TcpConnection) handleWrite() {
	c.loop.assertInLoopThread()
	if !c.channel.IsWriting() {
		return
	}
	n, err := writeFD(c.sock.Fd(), c.outputBuffer.Peek())
	if err != nil {
		if err != unixEAGAIN {
			c.logger.Err().Err(err).Log("handleWrite failed")
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if c.state.Load() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) handleClose() {
	c.loop.assertInLoopThread()
	if c.state.Load() == StateDisconnected {
		return
	}
	c.state.Store(StateDisconnected)
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TcpConnection) handleError() {
	err := c.sock.SocketError()
	c.logger.Err().Err(err).Str("conn", c.name).Log("connection error")
}

// Send queues data for delivery. If called on the owning loop it runs
// inline; otherwise the payload is copied (never referenced across
// goroutines) before being marshaled via QueueInLoop.
func (c *TcpConnection) Send(data []byte) {
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	cp := append([]byte(nil), data...)
	c.loop.QueueInLoop(func() { c.sendInLoop(cp) })
}

// SendString is a convenience wrapper around Send.
func (c *TcpConnection) SendString(s string) { c.Send([]byte(s)) }

// SendBuffer sends and fully retrieves buf's readable region.
func (c *TcpConnection) SendBuffer(buf *Buffer) {
	n := buf.ReadableBytes()
	data := buf.RetrieveBytes(n)
	c.Send(data)
}

func (c *TcpConnection) sendInLoop(data []byte) {
	if c.state.Load() == StateDisconnected {
		c.logger.Warning().Str("conn", c.name).Log("send called on a disconnected connection; dropping")
		return
	}

	var written int
	var writeErr error
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := writeFD(c.sock.Fd(), data)
		if err != nil {
			writeErr = err
			if err != unixEAGAIN {
				if err == unixEPIPE || err == unixECONNRESET {
					c.logger.Warning().Err(err).Str("conn", c.name).Log("send failed: peer gone")
				} else {
					c.logger.Err().Err(err).Str("conn", c.name).Log("send failed")
				}
			}
		} else {
			written = n
			if written == len(data) && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		}
	}

	if writeErr != nil && writeErr != unixEAGAIN {
		return
	}
	remaining := data[written:]
	if len(remaining) == 0 {
		return
	}

	before := c.outputBuffer.ReadableBytes()
	c.outputBuffer.Append(remaining)
	after := c.outputBuffer.ReadableBytes()
	if before < c.highWaterMark && after >= c.highWaterMark && c.highWaterMarkCallback != nil {
		c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, after) })
	}
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
	}
}

// Shutdown half-closes the write side once pending output has drained;
// reads are unaffected. Safe to call from any goroutine.
func (c *TcpConnection) Shutdown() {
	c.loop.RunInLoop(c.shutdownInLoopRequest)
}

func (c *TcpConnection) shutdownInLoopRequest() {
	if c.state.TryTransition(StateConnected, StateDisconnecting) {
		if !c.channel.IsWriting() {
			c.shutdownInLoop()
		}
	}
}

func (c *TcpConnection) shutdownInLoop() {
	if !c.channel.IsWriting() {
		_ = c.sock.ShutdownWrite()
	}
}

// ForceClose schedules an immediate handleClose on the owning loop,
// regardless of pending output. Safe to call from any goroutine.
func (c *TcpConnection) ForceClose() {
	if c.state.Load() == StateConnected || c.state.Load() == StateDisconnecting {
		c.state.Store(StateDisconnecting)
		c.loop.QueueInLoop(c.handleClose)
	}
}
