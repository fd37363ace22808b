package reactor

import (
	"bufio"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddrPort(t *testing.T, s string) netip.AddrPort {
	t.Helper()
	ap, err := netip.ParseAddrPort(s)
	require.NoError(t, err)
	return ap
}

func TestTcpServer_EchoRoundTrip(t *testing.T) {
	baseLoop := startLoop(t)

	server := NewTcpServer(baseLoop, "echo", mustAddrPort(t, "127.0.0.1:0"))
	server.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ time.Time) {
		conn.SendBuffer(buf)
	})
	server.Start()

	addr := server.Addr()
	require.True(t, addr.Port() != 0)

	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err := conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestTcpServer_HalfCloseByPeer(t *testing.T) {
	baseLoop := startLoop(t)

	server := NewTcpServer(baseLoop, "halfclose", mustAddrPort(t, "127.0.0.1:0"))

	var established, disconnected atomic.Int32
	server.SetConnectionCallback(func(conn *TcpConnection) {
		if conn.Connected() {
			established.Add(1)
		} else {
			disconnected.Add(1)
		}
	})
	server.Start()

	addr := server.Addr()
	var conn *net.TCPConn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn = c.(*net.TCPConn)
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	require.Eventually(t, func() bool { return established.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, conn.CloseWrite())

	require.Eventually(t, func() bool { return disconnected.Load() == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), established.Load())
}

func TestTcpConnection_HighWaterMarkThenWriteComplete(t *testing.T) {
	baseLoop := startLoop(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	serverAddr := mustAddrPort(t, ln.Addr().String())
	client := NewTcpClient(baseLoop, "hwm-client", serverAddr)

	const highWaterMark = 64 * 1024
	var highCount, completeCount atomic.Int32
	var conn *TcpConnection
	client.SetConnectionCallback(func(c *TcpConnection) {
		if c.Connected() {
			c.SetHighWaterMarkCallback(func(*TcpConnection, int) { highCount.Add(1) }, highWaterMark)
			conn = c
		}
	})
	client.SetWriteCompleteCallback(func(*TcpConnection) { completeCount.Add(1) })
	client.Connect()

	var peer net.Conn
	select {
	case peer = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never accepted")
	}
	defer peer.Close()

	require.Eventually(t, func() bool { return conn != nil }, time.Second, time.Millisecond)

	payload := make([]byte, 4*1024*1024)
	conn.Send(payload)

	require.Eventually(t, func() bool { return highCount.Load() >= 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(0), completeCount.Load())

	// Drain the peer so the backlog flushes and the write-complete
	// callback fires.
	go func() {
		buf := make([]byte, 64*1024)
		for {
			if _, err := peer.Read(buf); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return completeCount.Load() == 1 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), highCount.Load())
}

func TestTcpConnection_SendFromForeignGoroutine(t *testing.T) {
	baseLoop := startLoop(t)

	server := NewTcpServer(baseLoop, "crossthread", mustAddrPort(t, "127.0.0.1:0"))
	received := make(chan string, 1)
	serverConns := make(chan *TcpConnection, 1)
	server.SetMessageCallback(func(conn *TcpConnection, buf *Buffer, _ time.Time) {
		received <- buf.RetrieveAllAsString()
		select {
		case serverConns <- conn:
		default:
		}
	})
	server.Start()

	addr := server.Addr()
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr.String(), 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	defer conn.Close()

	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "ping", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the message")
	}

	// The test goroutine is not the server loop's goroutine, so this Send
	// is copied and marshaled onto the loop.
	serverConn := <-serverConns
	serverConn.Send([]byte("X"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 2)
	n, err := conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "X", string(reply[:n]))
}

func TestConnector_RetriesWithBackoffAndStopAbandons(t *testing.T) {
	baseLoop := startLoop(t)

	// Port 1 has no listener and requires no special privilege to dial,
	// so the kernel refuses the connection reliably and quickly.
	refused := mustAddrPort(t, "127.0.0.1:1")

	var attempts atomic.Int32
	connector := NewConnector(baseLoop, refused, defaultLogger())
	connector.SetNewConnectionCallback(func(sock Socket) {
		attempts.Add(1)
		_ = sock.Close()
	})
	connector.Start()

	// Give it time to attempt and begin backing off, then stop it.
	time.Sleep(200 * time.Millisecond)

	// One refused attempt has been made and the next is scheduled 500 ms
	// out, so the backoff has doubled exactly once.
	delay := make(chan time.Duration, 1)
	baseLoop.RunInLoop(func() { delay <- connector.retryDelay })
	select {
	case d := <-delay:
		assert.Equal(t, 2*connectorInitRetryDelay, d)
	case <-time.After(time.Second):
		t.Fatal("loop never ran the backoff probe")
	}

	connector.Stop()

	require.Eventually(t, func() bool {
		return connector.state.Load() == ConnectorDisconnected
	}, time.Second, time.Millisecond)

	// A successful connect should never have happened against a refused
	// port, and nothing further should fire once stopped.
	observedAfterStop := attempts.Load()
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, observedAfterStop, attempts.Load())
	assert.Equal(t, int32(0), observedAfterStop)
}
