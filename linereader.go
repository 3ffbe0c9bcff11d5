package prefork

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/axondata/go-prefork/internal/unix"
)

// LineReader frames a byte stream into newline-terminated lines. It supports
// a blocking mode (ReadLine) and a non-blocking mode (ReadLines) and keeps a
// trailing partial line between reads, so one reader must be used per stream.
type LineReader struct {
	// MaxLine caps the length of a line in bytes; zero means unlimited.
	// Longer lines are discarded and reported as ErrDecode.
	MaxLine int

	r        io.Reader
	rc       syscall.RawConn
	buf      []byte
	partial  []byte
	pending  [][]byte
	eof      bool
	skipping bool
	dropped  int
}

// NewLineReader creates a LineReader over r. Non-blocking reads are only
// available when r implements syscall.Conn, as *os.File does.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{
		r:   r,
		buf: make([]byte, readChunkSize),
	}
	if sc, ok := r.(syscall.Conn); ok {
		if rc, err := sc.SyscallConn(); err == nil {
			lr.rc = rc
		}
	}
	return lr
}

// feed appends chunk to the carry-over buffer and moves every completed line
// to the pending queue.
func (lr *LineReader) feed(chunk []byte) {
	if lr.skipping {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			return
		}
		lr.skipping = false
		chunk = chunk[i+1:]
	}

	data := append(lr.partial, chunk...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(data[:i], []byte{'\r'})
		data = data[i+1:]
		if lr.MaxLine > 0 && len(line) > lr.MaxLine {
			lr.dropped++
			continue
		}
		lr.pending = append(lr.pending, append([]byte(nil), line...))
	}
	if lr.MaxLine > 0 && len(data) > lr.MaxLine {
		// The rest of the oversized line is skipped up to its terminator
		lr.dropped++
		lr.skipping = true
		data = nil
	}
	lr.partial = append(lr.partial[:0:0], data...)
}

// overflowErr reports and resets the lines dropped for exceeding MaxLine
func (lr *LineReader) overflowErr() error {
	if lr.dropped == 0 {
		return nil
	}
	err := fmt.Errorf("%w: %d line(s) longer than %d bytes dropped", ErrDecode, lr.dropped, lr.MaxLine)
	lr.dropped = 0
	return err
}

// Buffered returns the number of bytes held in the carry-over buffer
func (lr *LineReader) Buffered() int {
	return len(lr.partial)
}

// ReadLine returns the next complete line, blocking until one is available.
// It returns io.EOF once the stream is closed; an unterminated trailing line
// is discarded.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for len(lr.pending) == 0 {
		if lr.eof {
			return nil, io.EOF
		}
		n, err := lr.r.Read(lr.buf)
		if n > 0 {
			lr.feed(lr.buf[:n])
		}
		if err != nil && errors.Is(err, io.EOF) && len(lr.pending) == 0 {
			lr.eof = true
		}
		if len(lr.pending) == 0 {
			if oerr := lr.overflowErr(); oerr != nil {
				return nil, oerr
			}
		}
		if err != nil {
			if len(lr.pending) > 0 && errors.Is(err, io.EOF) {
				lr.eof = true
				break
			}
			if errors.Is(err, io.EOF) {
				lr.eof = true
			}
			return nil, err
		}
	}
	line := lr.pending[0]
	lr.pending = lr.pending[1:]
	return line, nil
}

// ReadLines performs at most one read without blocking and returns every
// line completed so far. It returns no lines and a nil error when nothing is
// ready. io.EOF is returned together with any final complete lines once the
// stream is closed.
func (lr *LineReader) ReadLines() ([][]byte, error) {
	if lr.rc == nil {
		return nil, errors.New("prefork: reader does not support non-blocking reads")
	}

	var rerr error
	if !lr.eof {
		n, err := unix.ReadNonblock(lr.rc, lr.buf)
		switch {
		case n > 0:
			lr.feed(lr.buf[:n])
		case errors.Is(err, unix.ErrWouldBlock):
		case errors.Is(err, io.EOF):
			lr.eof = true
		default:
			rerr = err
		}
	}

	if rerr == nil {
		rerr = lr.overflowErr()
	}

	lines := lr.pending
	lr.pending = nil
	if rerr != nil {
		return lines, rerr
	}
	if lr.eof {
		return lines, io.EOF
	}
	return lines, nil
}
