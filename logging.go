package reactor

import (
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured-logging façade every component in this package
// writes through. It is exactly logiface's generic Logger instantiated over
// stumpy's Event type, so logging is a real library integration rather than
// a hand-rolled JSON writer.
type Logger = logiface.Logger[*stumpy.Event]

var (
	globalLoggerMu sync.RWMutex
	globalLogger   = newDefaultLogger()
)

func newDefaultLogger() *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
}

// SetLogger replaces the package-level structured logger used by any
// EventLoop, Acceptor, Connector, TcpConnection, TcpServer, or TcpClient
// constructed without its own WithLogger option. Passing nil restores the
// default stderr logger.
func SetLogger(l *Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if l == nil {
		l = newDefaultLogger()
	}
	globalLogger = l
}

// defaultLogger returns the current package-level structured logger.
func defaultLogger() *Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// fatalf logs a critical-level entry naming the violated invariant, then
// panics. Programming errors (wrong-goroutine access, a Channel removed
// while interest bits are still set, a failed setup syscall) are not
// recoverable: muduo calls LOG_FATAL / ::abort() for the same conditions,
// and the owning goroutine is expected to crash the same way here.
func fatalf(l *Logger, msg string, fields map[string]string) {
	if l == nil {
		l = defaultLogger()
	}
	b := l.Crit()
	for k, v := range fields {
		b = b.Str(k, v)
	}
	b.Log(msg)
	panic(msg)
}
