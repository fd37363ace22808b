package reactor

import (
	"errors"
	"fmt"
)

// Standard errors returned by package operations. Programming errors (wrong
// goroutine, a Channel removed while interest bits are still set) are not
// among these: they go through fatalf and crash the process, matching
// muduo's use of LOG_FATAL / ::abort(). A second call to Loop while the loop
// runs is not fatal: it returns ErrLoopAlreadyRunning. No check is made for
// a Channel still registered when its owner is dropped.
var (
	// ErrLoopAlreadyRunning is returned when Loop() is called on a loop that
	// is already running on some goroutine.
	ErrLoopAlreadyRunning = errors.New("reactor: loop is already running")
)

// WrapError wraps cause with a message, preserving it for errors.Is/As.
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}
