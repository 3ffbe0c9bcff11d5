//go:build linux || darwin

package unix

import (
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by ReadNonblock when no data is available.
var ErrWouldBlock = errors.New("unix: read would block")

// ReadNonblock performs at most one read on rc and never parks the caller.
// It returns ErrWouldBlock if the descriptor has nothing to read and io.EOF
// once the write side has been closed.
func ReadNonblock(rc syscall.RawConn, p []byte) (int, error) {
	var (
		n    int
		rerr error
	)
	err := rc.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), p)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, rerr
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// SetNonblock puts fd into non-blocking mode. Files created from a
// non-blocking descriptor are registered with the runtime poller, which makes
// read and write deadlines available on them.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

// Fd returns the descriptor behind rc. The descriptor is only valid while the
// owning file stays open.
func Fd(rc syscall.RawConn) (int, error) {
	var fd int
	if err := rc.Control(func(s uintptr) { fd = int(s) }); err != nil {
		return -1, err
	}
	return fd, nil
}
