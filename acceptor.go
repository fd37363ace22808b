package reactor

import (
	"net/netip"
	"time"

	"github.com/joeycumines/go-catrate"
)

// NewConnectionCallback is invoked with an accepted connection's raw
// socket and the peer address it came from.
type NewConnectionCallback func(sock Socket, peer netip.AddrPort)

// Acceptor owns a listening socket and its Channel on the base EventLoop,
// emitting every accepted descriptor to a callback. It never constructs a
// TcpConnection itself; that is TcpServer's job.
type Acceptor struct {
	loop     *EventLoop
	logger   *Logger
	sock     Socket
	channel  *Channel
	listen   bool
	newConnCallback NewConnectionCallback

	// idleFd is kept open solely as an EMFILE escape hatch: when accept
	// fails with EMFILE, close it, accept the pending connection (freeing
	// a descriptor to do so), immediately close that connection, and
	// reopen idleFd. This keeps the listening socket from being reported
	// readable by the level-triggered poller forever with zero spare
	// descriptors.
	idleFd int

	errRate *catrate.Limiter
}

// NewAcceptor creates a socket bound to addr and its Channel on loop, with
// no interest set; Listen enables reading. reusePort lets multiple
// Acceptors share one port, for a multi-process or SO_REUSEPORT
// accept-balancing setup.
func NewAcceptor(loop *EventLoop, addr netip.AddrPort, reusePort bool, logger *Logger) (*Acceptor, error) {
	sock, err := createNonblockingSocket(addr.Addr().Is6())
	if err != nil {
		return nil, err
	}
	if err := sock.SetReuseAddr(true); err != nil {
		return nil, WrapError("setsockopt SO_REUSEADDR", err)
	}
	if reusePort {
		if err := sock.SetReusePort(true); err != nil {
			return nil, WrapError("setsockopt SO_REUSEPORT", err)
		}
	}
	if err := sock.BindAddress(addr); err != nil {
		return nil, WrapError("bind", err)
	}

	idleFd, err := unixOpenDevNull()
	if err != nil {
		return nil, WrapError("open idle fd", err)
	}

	a := &Acceptor{
		loop:    loop,
		logger:  logger,
		sock:    sock,
		idleFd:  idleFd,
		errRate: catrate.NewLimiter(map[time.Duration]int{time.Second: 1}),
	}
	a.channel = NewChannel(loop, sock.Fd())
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

// SetNewConnectionCallback installs the handler invoked for each accepted
// descriptor.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnCallback = cb
}

// Addr returns the listening socket's bound local address, resolving the
// actual ephemeral port when the Acceptor was constructed with port 0.
func (a *Acceptor) Addr() netip.AddrPort {
	addr, _ := a.sock.LocalAddr()
	return addr
}

// Listen starts listening and enables the read interest. It must be
// called from the owning loop.
func (a *Acceptor) Listen() error {
	a.loop.assertInLoopThread()
	a.listen = true
	if err := a.sock.Listen(); err != nil {
		return WrapError("listen", err)
	}
	a.channel.EnableReading()
	return nil
}

// handleRead runs the accept loop until EAGAIN, handing every accepted
// descriptor to newConnCallback, with EMFILE/ENFILE idle-fd recovery.
func (a *Acceptor) handleRead(time.Time) {
	for {
		sock, peer, err := a.sock.Accept()
		if err == nil {
			if a.newConnCallback != nil {
				a.newConnCallback(sock, peer)
			} else {
				_ = sock.Close()
			}
			continue
		}

		switch err {
		case unixEAGAIN, unixEWOULDBLOCK:
			return
		case unixEMFILE, unixENFILE:
			a.handleIdleFdRecovery()
			return
		default:
			if _, allowed := a.errRate.Allow("accept"); allowed {
				a.logger.Err().Err(err).Log("accept failed")
			}
			return
		}
	}
}

// handleIdleFdRecovery implements the classic "close idle fd, accept,
// close that connection, reopen idle fd" dance: with zero spare
// descriptors, accept4 itself cannot succeed until one is freed, but the
// socket stays readable forever (edge case: level-triggered epoll would
// spin), so the server must drain exactly one pending connection and
// reject it.
func (a *Acceptor) handleIdleFdRecovery() {
	_ = closeFD(a.idleFd)
	sock, _, err := a.sock.Accept()
	if err == nil {
		_ = sock.Close()
	}
	if fd, err := unixOpenDevNull(); err == nil {
		a.idleFd = fd
	} else {
		a.logger.Crit().Err(err).Log("failed to reopen idle fd after EMFILE recovery")
	}
}

// Close removes the Channel and releases the listening and idle sockets.
func (a *Acceptor) Close() error {
	a.channel.DisableAll()
	a.channel.Remove()
	_ = closeFD(a.idleFd)
	return a.sock.Close()
}
