package prefork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/axondata/go-prefork/internal/unix"
)

// Conn is the protocol surface shared by both ends of a worker channel.
// The manager end is a managerChannel and the worker end a workerChannel;
// each only ever writes its own outbound stream.
type Conn interface {
	// Send writes msg as one line and returns once it is handed to the OS
	Send(msg Message) error
	// Close releases both streams
	Close() error
}

// writeLine encodes msg and writes it with its terminator in a single call
func writeLine(w io.Writer, msg Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// managerChannel is the manager's end of one worker channel
type managerChannel struct {
	id           WorkerID
	toWorker     *os.File
	toManager    *os.File
	reader       *LineReader
	writeTimeout time.Duration
}

var _ Conn = (*managerChannel)(nil)

// newChannelPair creates both pipes of a worker channel. It returns the
// manager end and the two files the worker process inherits, in descriptor
// order (ToWorkerFD, ToManagerFD). The caller closes the child files once the
// worker has been started.
func newChannelPair(id WorkerID, writeTimeout time.Duration) (*managerChannel, []*os.File, error) {
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	toManagerR, toManagerW, err := os.Pipe()
	if err != nil {
		_ = toWorkerR.Close()
		_ = toWorkerW.Close()
		return nil, nil, err
	}

	reader := NewLineReader(toManagerR)
	reader.MaxLine = MaxLineSize
	mc := &managerChannel{
		id:           id,
		toWorker:     toWorkerW,
		toManager:    toManagerR,
		reader:       reader,
		writeTimeout: writeTimeout,
	}
	return mc, []*os.File{toWorkerR, toManagerW}, nil
}

// Send writes msg to the worker, bounded by the write timeout
func (c *managerChannel) Send(msg Message) error {
	if c.writeTimeout > 0 {
		_ = c.toWorker.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := writeLine(c.toWorker, msg); err != nil {
		return &OpError{Op: OpSend, Worker: c.id, Err: err}
	}
	return nil
}

// receiveNonBlocking returns every complete line the worker has written so
// far without waiting. Undecodable lines are reported through the returned
// error, which never hides the messages that did decode. closed is set once
// the worker has closed its end.
func (c *managerChannel) receiveNonBlocking() (msgs []Message, closed bool, err error) {
	lines, rerr := c.reader.ReadLines()
	merr := &MultiError{}
	switch {
	case rerr == nil:
	case errors.Is(rerr, io.EOF):
		closed = true
	default:
		merr.Add(&OpError{Op: OpReceive, Worker: c.id, Err: rerr})
	}

	for _, line := range lines {
		msg, derr := decodeMessage(line)
		if derr != nil {
			merr.Add(&OpError{Op: OpReceive, Worker: c.id, Err: derr})
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, closed, merr.Err()
}

// inboundFD returns the descriptor of the to-manager stream for readiness polling
func (c *managerChannel) inboundFD() (int, error) {
	if c.reader.rc == nil {
		return -1, fmt.Errorf("prefork: inbound stream is not pollable")
	}
	return unix.Fd(c.reader.rc)
}

// Close closes both manager-side streams
func (c *managerChannel) Close() error {
	merr := &MultiError{}
	merr.Add(c.toWorker.Close())
	merr.Add(c.toManager.Close())
	return merr.Err()
}

// workerChannel is the worker's end of its channel
type workerChannel struct {
	id        WorkerID
	toWorker  *os.File
	toManager *os.File
	reader    *LineReader
}

var _ Conn = (*workerChannel)(nil)

func newWorkerChannel(id WorkerID, toWorker, toManager *os.File) *workerChannel {
	return &workerChannel{
		id:        id,
		toWorker:  toWorker,
		toManager: toManager,
		reader:    NewLineReader(toWorker),
	}
}

// Send writes msg to the manager
func (c *workerChannel) Send(msg Message) error {
	if err := writeLine(c.toManager, msg); err != nil {
		return &OpError{Op: OpSend, Worker: c.id, Err: err}
	}
	return nil
}

// receiveBlocking waits for the next message from the manager. Cancelling
// ctx interrupts the wait when the stream supports read deadlines.
func (c *workerChannel) receiveBlocking(ctx context.Context) (Message, error) {
	if ctx.Done() != nil {
		if dl, ok := ctx.Deadline(); ok {
			_ = c.toWorker.SetReadDeadline(dl)
		}
		stop := context.AfterFunc(ctx, func() {
			_ = c.toWorker.SetReadDeadline(time.Now())
		})
		defer func() {
			stop()
			_ = c.toWorker.SetReadDeadline(time.Time{})
		}()
	}

	line, err := c.reader.ReadLine()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			cerr := ctx.Err()
			if cerr == nil {
				cerr = context.DeadlineExceeded
			}
			return Message{}, &OpError{Op: OpReceive, Worker: c.id, Err: cerr}
		}
		if errors.Is(err, io.EOF) {
			return Message{}, &OpError{Op: OpReceive, Worker: c.id, Err: ErrChannelClosed}
		}
		return Message{}, &OpError{Op: OpReceive, Worker: c.id, Err: err}
	}

	msg, err := decodeMessage(line)
	if err != nil {
		return Message{}, &OpError{Op: OpReceive, Worker: c.id, Err: err}
	}
	return msg, nil
}

// Close closes both worker-side streams
func (c *workerChannel) Close() error {
	merr := &MultiError{}
	merr.Add(c.toWorker.Close())
	merr.Add(c.toManager.Close())
	return merr.Err()
}
