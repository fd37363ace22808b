package reactor

import (
	"net/netip"
	"time"

	"github.com/joeycumines/go-catrate"
)

const (
	connectorInitRetryDelay = 500 * time.Millisecond
	connectorMaxRetryDelay  = 30 * time.Second
)

// ConnectResultCallback receives the raw socket of a successful
// non-blocking connect. The Channel used to await writability has
// already been detached, so the descriptor transfers cleanly to the
// caller (typically TcpClient, which builds a TcpConnection from it).
type ConnectResultCallback func(sock Socket)

// Connector drives a single non-blocking connect attempt with
// exponential backoff retry, classifying errno into retry/fatal cases.
type Connector struct {
	loop           *EventLoop
	logger         *Logger
	serverAddr     netip.AddrPort
	state          atomicState[ConnectorState]
	connect        bool // true once Start has been called; false after Stop
	channel        *Channel
	retryDelay     time.Duration
	retryRate      *catrate.Limiter
	newConnCallback ConnectResultCallback
}

// NewConnector constructs a Connector targeting serverAddr, idle until
// Start is called.
func NewConnector(loop *EventLoop, serverAddr netip.AddrPort, logger *Logger) *Connector {
	c := &Connector{
		loop:       loop,
		logger:     logger,
		serverAddr: serverAddr,
		retryDelay: connectorInitRetryDelay,
		retryRate:  catrate.NewLimiter(map[time.Duration]int{time.Second: 2}),
	}
	c.state.Store(ConnectorDisconnected)
	return c
}

// SetNewConnectionCallback installs the handler invoked on successful
// connect.
func (c *Connector) SetNewConnectionCallback(cb ConnectResultCallback) {
	c.newConnCallback = cb
}

// Start begins connecting. Safe to call from any goroutine.
func (c *Connector) Start() {
	c.connect = true
	c.loop.RunInLoop(c.startInLoop)
}

func (c *Connector) startInLoop() {
	c.loop.assertInLoopThread()
	if !c.connect {
		return
	}
	c.connectAttempt()
}

// Stop abandons any in-flight or scheduled retry. Cooperative: an
// in-flight retry observes the flag at its next decision point rather
// than being preempted.
func (c *Connector) Stop() {
	c.connect = false
	c.loop.QueueInLoop(func() {
		c.state.Store(ConnectorDisconnected)
	})
}

func (c *Connector) connectAttempt() {
	sock, err := createNonblockingSocket(c.serverAddr.Addr().Is6())
	if err != nil {
		c.logger.Crit().Err(err).Log("failed to create connector socket")
		return
	}

	err = sock.Connect(c.serverAddr)
	switch err {
	case nil, unixEISCONN:
		c.connecting(sock)
	case unixEINPROGRESS, unixEINTR, unixEALREADY:
		c.connecting(sock)
	case unixEAGAIN, unixEADDRINUSE, unixEADDRNOTAVAIL, unixECONNREFUSED, unixENETUNREACH:
		_ = sock.Close()
		c.retry()
	default:
		_ = sock.Close()
		c.logger.Err().Err(err).Log("connect failed with an unrecoverable error")
	}
}

// connecting wraps sock in a Channel and awaits writability, which fires
// once the non-blocking connect completes (successfully or not).
func (c *Connector) connecting(sock Socket) {
	c.state.Store(ConnectorConnecting)
	c.channel = NewChannel(c.loop, sock.Fd())
	c.channel.SetWriteCallback(func() { c.handleWrite(sock) })
	c.channel.SetErrorCallback(func() { c.handleError(sock) })
	// A refused connect can be reported as a hangup without readability,
	// which Channel dispatches to the close callback alone.
	c.channel.SetCloseCallback(func() { c.handleError(sock) })
	c.channel.EnableWriting()
}

func (c *Connector) handleWrite(sock Socket) {
	if c.state.Load() != ConnectorConnecting {
		return
	}
	c.removeChannel()

	if err := sock.SocketError(); err != nil {
		_ = sock.Close()
		c.retry()
		return
	}
	if c.isSelfConnect(sock) {
		_ = sock.Close()
		c.retry()
		return
	}

	c.state.Store(ConnectorConnected)
	if c.connect && c.newConnCallback != nil {
		c.newConnCallback(sock)
	} else {
		_ = sock.Close()
	}
}

func (c *Connector) handleError(sock Socket) {
	if c.state.Load() != ConnectorConnecting {
		return
	}
	c.removeChannel()
	_ = sock.Close()
	c.retry()
}

func (c *Connector) removeChannel() {
	c.channel.DisableAll()
	c.channel.Remove()
	c.channel = nil
}

// isSelfConnect detects the Linux-specific race where a non-blocking
// connect to a loopback address races with TIME_WAIT reuse and the
// kernel connects the socket to itself (local endpoint == peer
// endpoint).
func (c *Connector) isSelfConnect(sock Socket) bool {
	local, err := sock.LocalAddr()
	if err != nil {
		return false
	}
	peer, err := sock.PeerAddr()
	if err != nil {
		return false
	}
	return local == peer
}

// retry schedules another connect attempt after the current backoff
// delay, doubling it up to the 30 s cap, and abandons if Stop has since
// been observed.
func (c *Connector) retry() {
	c.state.Store(ConnectorDisconnected)
	if !c.connect {
		return
	}
	if _, allowed := c.retryRate.Allow("connect-retry"); allowed {
		c.logger.Warning().Dur("delay", c.retryDelay).Log("retrying connect")
	}
	delay := c.retryDelay
	c.loop.RunAfter(delay, func() {
		if c.connect {
			c.connectAttempt()
		}
	})
	c.retryDelay *= 2
	if c.retryDelay > connectorMaxRetryDelay {
		c.retryDelay = connectorMaxRetryDelay
	}
}
