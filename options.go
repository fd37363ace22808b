package reactor

import "time"

// eventLoopOptions holds configuration for NewEventLoop.
type eventLoopOptions struct {
	logger *Logger
}

// EventLoopOption configures an EventLoop at construction.
type EventLoopOption interface {
	applyEventLoop(*eventLoopOptions)
}

type eventLoopOptionFunc func(*eventLoopOptions)

func (f eventLoopOptionFunc) applyEventLoop(o *eventLoopOptions) { f(o) }

// WithEventLoopLogger overrides the package-level structured logger for a
// single EventLoop (and everything scheduled on it that does not specify
// its own logger).
func WithEventLoopLogger(l *Logger) EventLoopOption {
	return eventLoopOptionFunc(func(o *eventLoopOptions) { o.logger = l })
}

func resolveEventLoopOptions(opts []EventLoopOption) *eventLoopOptions {
	cfg := &eventLoopOptions{logger: defaultLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyEventLoop(cfg)
		}
	}
	return cfg
}

// serverOptions holds configuration for NewTcpServer.
type serverOptions struct {
	logger        *Logger
	threadNum     int
	connRateRates map[time.Duration]int
}

// ServerOption configures a TcpServer at construction.
type ServerOption interface {
	applyServer(*serverOptions)
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) applyServer(o *serverOptions) { f(o) }

// WithServerLogger overrides the structured logger used by the server, its
// Acceptor, and every TcpConnection it creates.
func WithServerLogger(l *Logger) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.logger = l })
}

// WithThreadNum sets the size of the worker EventLoop pool. It must be
// called before Start; 0 (the default) means every accepted connection
// runs on the server's own base loop.
func WithThreadNum(n int) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.threadNum = n })
}

// WithConnectionRateLimit bounds the rate of accepted connections per peer
// address, using a github.com/joeycumines/go-catrate sliding-window
// Limiter, a natural admission-control guard layered on top of Acceptor's
// callback. A nil or empty map disables the limiter (the default).
func WithConnectionRateLimit(rates map[time.Duration]int) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.connRateRates = rates })
}

func resolveServerOptions(opts []ServerOption) *serverOptions {
	cfg := &serverOptions{logger: defaultLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyServer(cfg)
		}
	}
	return cfg
}

// clientOptions holds configuration for NewTcpClient.
type clientOptions struct {
	logger *Logger
	retry  bool
}

// ClientOption configures a TcpClient at construction.
type ClientOption interface {
	applyClient(*clientOptions)
}

type clientOptionFunc func(*clientOptions)

func (f clientOptionFunc) applyClient(o *clientOptions) { f(o) }

// WithClientLogger overrides the structured logger used by the client and
// its Connector.
func WithClientLogger(l *Logger) ClientOption {
	return clientOptionFunc(func(o *clientOptions) { o.logger = l })
}

// WithRetry enables automatic reconnection after a disconnect.
func WithRetry(enabled bool) ClientOption {
	return clientOptionFunc(func(o *clientOptions) { o.retry = enabled })
}

func resolveClientOptions(opts []ClientOption) *clientOptions {
	cfg := &clientOptions{logger: defaultLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt.applyClient(cfg)
		}
	}
	return cfg
}
