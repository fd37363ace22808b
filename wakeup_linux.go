//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// createWakeFd creates an eventfd used to wake an EventLoop's poll call
// from another goroutine: writing 8 bytes makes it readable immediately.
func createWakeFd() (int, error) {
	return unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
}

// drainWakeFd consumes the pending counter value so the eventfd does not
// stay readable after the wakeup has been observed.
func drainWakeFd(fd int) error {
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// writeWakeFd increments the eventfd counter by one, waking any poller
// blocked in epoll_wait on it.
func writeWakeFd(fd int) error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(fd, one[:])
	if err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}
