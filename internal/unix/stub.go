//go:build !linux && !darwin

package unix

import (
	"errors"
	"syscall"
	"time"
)

// ErrWouldBlock is returned by ReadNonblock when no data is available.
var ErrWouldBlock = errors.New("unix: read would block")

// ReadNonblock is not supported on this platform.
func ReadNonblock(rc syscall.RawConn, p []byte) (int, error) {
	return 0, errors.ErrUnsupported
}

// SetNonblock is not supported on this platform.
func SetNonblock(fd int) error {
	return errors.ErrUnsupported
}

// Fd is not supported on this platform.
func Fd(rc syscall.RawConn) (int, error) {
	return -1, errors.ErrUnsupported
}

// PollReadable is not supported on this platform.
func PollReadable(fds []int, timeout time.Duration) ([]int, error) {
	return nil, errors.ErrUnsupported
}
