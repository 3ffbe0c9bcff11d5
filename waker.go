package prefork

import (
	"os"
	"sync/atomic"
	"syscall"

	"github.com/axondata/go-prefork/internal/unix"
)

// waker is a self-pipe that interrupts the Run loop's poll wait. At most one
// byte is ever in flight, so Wake never blocks.
type waker struct {
	r, w    *os.File
	rc      syscall.RawConn
	fd      int
	pending atomic.Bool
	buf     [16]byte
}

func newWaker() (*waker, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	rc, err := r.SyscallConn()
	if err == nil {
		var fd int
		if fd, err = unix.Fd(rc); err == nil {
			return &waker{r: r, w: w, rc: rc, fd: fd}, nil
		}
	}
	_ = r.Close()
	_ = w.Close()
	return nil, err
}

// Wake makes the next (or current) poll wait return
func (k *waker) Wake() {
	if k.pending.CompareAndSwap(false, true) {
		_, _ = k.w.Write([]byte{1})
	}
}

// drain consumes pending wake-ups. Events published before a Wake are
// visible to the caller once drain returns. The flag is cleared only after
// the pipe is empty, so a Wake racing with drain either is covered by this
// drain or writes a fresh byte.
func (k *waker) drain() {
	k.readAll()
	k.pending.Store(false)
}

// readAll empties the pipe without blocking
func (k *waker) readAll() {
	for {
		if _, err := unix.ReadNonblock(k.rc, k.buf[:]); err != nil {
			return
		}
	}
}

func (k *waker) Close() error {
	merr := &MultiError{}
	merr.Add(k.w.Close())
	merr.Add(k.r.Close())
	return merr.Err()
}
