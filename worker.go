package prefork

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/axondata/go-prefork/internal/unix"
)

// Worker is the worker-process end of a prefork channel. It offers one
// synchronous call primitive and the finalize-before-exit sequence. A Worker
// can only be built inside a worker process, so manager code has no way to
// issue calls.
type Worker struct {
	id         WorkerID
	generation uint64
	ch         *workerChannel
	exit       func(code int)

	// mu serializes calls, keeping at most one outstanding per channel
	mu sync.Mutex
	// broken is set once a reply could not be read; later replies on the
	// stream can no longer be matched to their calls
	broken error
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithExitFunc replaces os.Exit as the function Finish terminates with
func WithExitFunc(fn func(code int)) WorkerOption {
	return func(w *Worker) {
		w.exit = fn
	}
}

// WithGeneration records the generation the worker was spawned in
func WithGeneration(gen uint64) WorkerOption {
	return func(w *Worker) {
		w.generation = gen
	}
}

// IsWorker reports whether the current process was spawned as a prefork worker
func IsWorker() bool {
	_, ok := os.LookupEnv(EnvWorkerID)
	return ok
}

// NewWorker builds the Worker of the current process from its environment
// and inherited descriptors. It returns ErrNotWorker when the process was not
// spawned by a Manager.
func NewWorker(opts ...WorkerOption) (*Worker, error) {
	raw, ok := os.LookupEnv(EnvWorkerID)
	if !ok {
		return nil, ErrNotWorker
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return nil, fmt.Errorf("%w: bad %s %q", ErrNotWorker, EnvWorkerID, raw)
	}

	var gen uint64
	if rawGen := os.Getenv(EnvGeneration); rawGen != "" {
		if gen, err = strconv.ParseUint(rawGen, 10, 64); err != nil {
			return nil, fmt.Errorf("%w: bad %s %q", ErrNotWorker, EnvGeneration, rawGen)
		}
	}

	// Inherited descriptors arrive in blocking mode; switching the read side
	// lets ctx cancellation interrupt a pending reply wait.
	_ = unix.SetNonblock(ToWorkerFD)

	toWorker := os.NewFile(uintptr(ToWorkerFD), "prefork-to-worker")
	toManager := os.NewFile(uintptr(ToManagerFD), "prefork-to-manager")
	if toWorker == nil || toManager == nil {
		return nil, fmt.Errorf("%w: channel descriptors missing", ErrNotWorker)
	}

	opts = append([]WorkerOption{WithGeneration(gen)}, opts...)
	return NewWorkerFromFiles(WorkerID(id), toWorker, toManager, opts...), nil
}

// NewWorkerFromFiles builds a Worker over explicit channel files: toWorker is
// read for replies and toManager is written with calls.
func NewWorkerFromFiles(id WorkerID, toWorker, toManager *os.File, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:   id,
		ch:   newWorkerChannel(id, toWorker, toManager),
		exit: os.Exit,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID returns the worker id assigned by the manager
func (w *Worker) ID() WorkerID {
	return w.id
}

// Generation returns the manager generation the worker was spawned in
func (w *Worker) Generation() uint64 {
	return w.generation
}

// roundTrip sends msg and blocks for exactly one answer
func (w *Worker) roundTrip(ctx context.Context, op Operation, msg Message) (Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken != nil {
		return Message{}, &OpError{Op: op, Worker: w.id, Err: w.broken}
	}

	if err := w.ch.Send(msg); err != nil {
		return Message{}, err
	}

	reply, err := w.ch.receiveBlocking(ctx)
	if err != nil {
		w.broken = err
		return Message{}, err
	}
	return reply, nil
}

// Call invokes method on the manager and waits for its reply. A nil payload
// is sent as absent. An error reply is returned as a *CallError.
func (w *Worker) Call(ctx context.Context, method string, payload any) (Payload, error) {
	if method == "" || method == FinalizeMethod {
		return nil, &OpError{Op: OpCall, Worker: w.id, Err: fmt.Errorf("%w: %q", ErrReservedMethod, method)}
	}

	p, err := NewPayload(payload)
	if err != nil {
		return nil, &OpError{Op: OpCall, Worker: w.id, Err: err}
	}

	reply, err := w.roundTrip(ctx, OpCall, Message{
		Kind:     KindCall,
		WorkerID: w.id,
		Method:   method,
		Payload:  p,
	})
	if err != nil {
		return nil, err
	}

	switch reply.Kind {
	case KindReply, KindFinalizeAck:
		return reply.Payload, nil
	case KindErrorReply:
		return nil, &CallError{Method: method, Code: reply.Code, Message: reply.Error}
	default:
		return nil, &OpError{Op: OpCall, Worker: w.id, Err: fmt.Errorf("unexpected %s message", reply.Kind)}
	}
}

// Finish terminates the worker with code. When final is non-nil it is first
// delivered to the manager and the exit only happens after the manager has
// acknowledged it. Finish returns only if the handshake fails or the exit
// function returns.
func (w *Worker) Finish(ctx context.Context, code int, final any) error {
	p, err := NewPayload(final)
	if err != nil {
		return &OpError{Op: OpFinish, Worker: w.id, Err: err}
	}

	if !p.Absent() {
		reply, err := w.roundTrip(ctx, OpFinish, Message{
			Kind:     KindFinalize,
			WorkerID: w.id,
			Payload:  p,
		})
		if err != nil {
			return err
		}
		if reply.Kind == KindErrorReply {
			return &CallError{Method: FinalizeMethod, Code: reply.Code, Message: reply.Error}
		}
	}

	_ = w.ch.Close()
	w.exit(code)
	return nil
}

// Close releases the channel without exiting
func (w *Worker) Close() error {
	return w.ch.Close()
}
