package reactor

import (
	"context"
	"net"
	"net/netip"
	"strconv"

	"golang.org/x/sys/unix"
)

// Socket is a thin typed wrapper over a kernel socket descriptor, used by
// Acceptor, Connector, and TcpConnection so they never touch raw
// syscalls directly.
type Socket struct {
	fd int
}

// NewSocketFd wraps an already-created descriptor.
func NewSocketFd(fd int) Socket { return Socket{fd: fd} }

// Fd returns the underlying descriptor.
func (s Socket) Fd() int { return s.fd }

// Close closes the underlying descriptor.
func (s Socket) Close() error { return closeFD(s.fd) }

// createNonblockingSocket creates a TCP socket (v4 or v6) with
// CLOEXEC and NONBLOCK set atomically.
func createNonblockingSocket(v6 bool) (Socket, error) {
	domain := unix.AF_INET
	if v6 {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return Socket{}, WrapError("socket", err)
	}
	return Socket{fd: fd}, nil
}

// BindAddress binds the socket to addr.
func (s Socket) BindAddress(addr netip.AddrPort) error {
	return unix.Bind(s.fd, sockaddr(addr))
}

// Listen marks the socket as a passive listener.
func (s Socket) Listen() error {
	return unix.Listen(s.fd, unix.SOMAXCONN)
}

// Accept accepts one connection, returning the new Socket and the peer
// address. The new descriptor is CLOEXEC and NONBLOCK.
func (s Socket) Accept() (Socket, netip.AddrPort, error) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return Socket{}, netip.AddrPort{}, err
	}
	return Socket{fd: nfd}, addrPortFromSockaddr(sa), nil
}

// Connect attempts a non-blocking connect to addr, returning immediately
// with unix.EINPROGRESS on success-pending.
func (s Socket) Connect(addr netip.AddrPort) error {
	return unix.Connect(s.fd, sockaddr(addr))
}

// SetTcpNoDelay toggles TCP_NODELAY (Nagle's algorithm).
func (s Socket) SetTcpNoDelay(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolInt(on))
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s Socket) SetReuseAddr(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, boolInt(on))
}

// SetReusePort toggles SO_REUSEPORT, letting an Acceptor pool share one
// listening port across multiple sockets.
func (s Socket) SetReusePort(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, boolInt(on))
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s Socket) SetKeepAlive(on bool) error {
	return unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolInt(on))
}

// ShutdownWrite half-closes the write side (SHUT_WR), used to implement
// TcpConnection.Shutdown without tearing down the read side.
func (s Socket) ShutdownWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

// PeerAddr returns the remote endpoint.
func (s Socket) PeerAddr() (netip.AddrPort, error) {
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa), nil
}

// LocalAddr returns the local endpoint.
func (s Socket) LocalAddr() (netip.AddrPort, error) {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return addrPortFromSockaddr(sa), nil
}

// SocketError returns and clears the pending SO_ERROR, used after a
// connect() attempt becomes writable to learn whether it actually
// succeeded.
func (s Socket) SocketError() error {
	errno, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sockaddr(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() {
		return &unix.SockaddrInet4{Port: int(addr.Port()), Addr: addr.Addr().As4()}
	}
	return &unix.SockaddrInet6{Port: int(addr.Port()), Addr: addr.Addr().As16()}
}

func addrPortFromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	default:
		return netip.AddrPort{}
	}
}

// resolveAddr parses a "host:port" string, resolving names via the
// standard resolver, and returns the first matching address.
func resolveAddr(hostPort string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(hostPort); err == nil {
		return ap, nil
	}
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		return netip.AddrPort{}, WrapError("split host:port", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, WrapError("parse port", err)
	}
	ips, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", host)
	if err != nil {
		return netip.AddrPort{}, WrapError("resolve host", err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, WrapError("resolve host", net.ErrClosed)
	}
	return netip.AddrPortFrom(ips[0], uint16(port)), nil
}

// toIpPort renders addr as "host:port" for IPv4 or "[host]:port" for
// IPv6.
func toIpPort(addr netip.AddrPort) string {
	return addr.String()
}
