//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"
)

// closeFD closes a file descriptor, ignoring EINTR per close(2)'s Linux
// semantics (the fd is always released even when EINTR is returned).
func closeFD(fd int) error {
	err := unix.Close(fd)
	if err == unix.EINTR {
		return nil
	}
	return err
}

func readFD(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

func writeFD(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

const (
	unixEAGAIN      = unix.EAGAIN
	unixEWOULDBLOCK = unix.EWOULDBLOCK
	unixEMFILE      = unix.EMFILE
	unixENFILE      = unix.ENFILE
	unixEINPROGRESS  = unix.EINPROGRESS
	unixEISCONN      = unix.EISCONN
	unixECONNREFUSED = unix.ECONNREFUSED
	unixEINTR        = unix.EINTR
	unixEALREADY     = unix.EALREADY
	unixEADDRINUSE   = unix.EADDRINUSE
	unixEADDRNOTAVAIL = unix.EADDRNOTAVAIL
	unixENETUNREACH  = unix.ENETUNREACH
	unixEPIPE        = unix.EPIPE
	unixECONNRESET   = unix.ECONNRESET
)

// unixOpenDevNull opens /dev/null, used by Acceptor to hold a spare
// descriptor in reserve for EMFILE recovery.
func unixOpenDevNull() (int, error) {
	return unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
}

// readvFd performs a single readv(2) scatter-read across two buffers,
// returning the total bytes read across both.
func readvFd(fd int, primary, overflow []byte) (int, error) {
	var iovs [][]byte
	if len(primary) > 0 {
		iovs = append(iovs, primary)
	}
	if len(overflow) > 0 {
		iovs = append(iovs, overflow)
	}
	if len(iovs) == 0 {
		return 0, nil
	}
	return unix.Readv(fd, iovs)
}
