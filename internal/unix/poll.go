//go:build linux || darwin

package unix

import (
	"time"

	"golang.org/x/sys/unix"
)

// PollReadable blocks until at least one of fds is readable, hung up or in
// error, or until timeout elapses. A negative timeout waits forever. It
// returns the subset of fds that are ready; an interrupted wait returns no
// descriptors and no error.
func PollReadable(fds []int, timeout time.Duration) ([]int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for _, p := range pfds {
		if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, int(p.Fd))
		}
	}
	return ready, nil
}
