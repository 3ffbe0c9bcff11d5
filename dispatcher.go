package prefork

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HandlerFunc services one worker call. ctx carries the call deadline when a
// call timeout is configured; handlers that may run long must honor it, as
// the dispatcher stops waiting at the deadline but cannot stop the handler.
// payload is absent (nil) when the worker sent none. The returned value is
// JSON encoded into the reply.
type HandlerFunc func(ctx context.Context, m *Manager, id WorkerID, payload Payload) (any, error)

func checkMethod(method string, fn HandlerFunc) error {
	if method == "" || method == FinalizeMethod {
		return fmt.Errorf("%w: %q", ErrReservedMethod, method)
	}
	if fn == nil {
		return fmt.Errorf("%w: nil handler for %q", ErrInvalidConfig, method)
	}
	return nil
}

// Handle registers fn under method, replacing any earlier handler
func (m *Manager) Handle(method string, fn HandlerFunc) error {
	if err := checkMethod(method, fn); err != nil {
		return err
	}
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers[method] = fn
	return nil
}

func (m *Manager) handler(method string) HandlerFunc {
	m.hmu.RLock()
	defer m.hmu.RUnlock()
	return m.handlers[method]
}

// dispatchAll services the pending messages of every live worker once
func (m *Manager) dispatchAll() {
	for _, rec := range m.pool.records() {
		m.dispatchWorker(rec)
	}
}

// dispatchWorker reads whatever rec has sent without blocking and answers
// each message. Failures stay local to rec.
func (m *Manager) dispatchWorker(rec *workerRecord) {
	if rec.inboundClosed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("prefork: dispatch panic", "worker", rec.id, "panic", r)
		}
	}()

	msgs, closed, err := rec.ch.receiveNonBlocking()
	if err != nil {
		m.logger.Warn("prefork: bad message from worker", "worker", rec.id, "error", err)
	}
	if closed {
		rec.inboundClosed = true
	}

	for _, msg := range msgs {
		if err := m.handleMessage(rec, msg); err != nil {
			m.logger.Warn("prefork: dispatch failed",
				"error", &OpError{Op: OpDispatch, Worker: rec.id, Err: err})
		}
	}
}

// handleMessage answers a single inbound message
func (m *Manager) handleMessage(rec *workerRecord, msg Message) error {
	switch msg.Kind {
	case KindCall:
		return rec.ch.Send(m.invoke(rec, msg))
	case KindFinalize:
		rec.final = msg.Payload
		m.logger.Debug("prefork: final payload received", "worker", rec.id, "bytes", len(msg.Payload))
		return rec.ch.Send(Message{Kind: KindFinalizeAck})
	default:
		return fmt.Errorf("unexpected %s message", msg.Kind)
	}
}

// invoke runs the handler for a call and builds the reply
func (m *Manager) invoke(rec *workerRecord, msg Message) Message {
	fn := m.handler(msg.Method)
	if fn == nil {
		m.metrics.RecordCall(msg.Method, OutcomeUnknownMethod, 0)
		return errorReply(rec.id, CodeUnknownMethod, fmt.Sprintf("unknown method %q", msg.Method))
	}

	start := time.Now()
	result, err := m.callHandler(fn, rec.id, msg.Payload)
	elapsed := time.Since(start)

	if err == nil {
		var p Payload
		if p, err = NewPayload(result); err == nil {
			m.metrics.RecordCall(msg.Method, OutcomeOK, elapsed)
			return Message{Kind: KindReply, WorkerID: rec.id, Payload: p}
		}
		err = fmt.Errorf("%w: encoding result: %v", ErrHandler, err)
	}

	code := CodeHandler
	if errors.Is(err, ErrHandlerTimeout) {
		code = CodeTimeout
	}
	m.metrics.RecordCall(msg.Method, string(code), elapsed)
	m.logger.Warn("prefork: call failed", "worker", rec.id, "method", msg.Method, "error", err)
	return errorReply(rec.id, code, err.Error())
}

func errorReply(id WorkerID, code ErrorCode, text string) Message {
	return Message{Kind: KindErrorReply, WorkerID: id, Code: code, Error: text}
}

type handlerResult struct {
	value any
	err   error
}

// callHandler invokes fn, bounded by CallTimeout when one is set. On expiry
// the handler keeps running on its own goroutine with a cancelled context.
func (m *Manager) callHandler(fn HandlerFunc, id WorkerID, payload Payload) (any, error) {
	ctx := m.handlerCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if m.CallTimeout <= 0 {
		return m.safeCall(ctx, fn, id, payload)
	}

	ctx, cancel := context.WithTimeout(ctx, m.CallTimeout)
	defer cancel()

	done := make(chan handlerResult, 1)
	go func() {
		v, err := m.safeCall(ctx, fn, id, payload)
		done <- handlerResult{value: v, err: err}
	}()

	var r handlerResult
	select {
	case r = <-done:
	case <-ctx.Done():
		select {
		case r = <-done:
		default:
			return nil, fmt.Errorf("%w after %s", ErrHandlerTimeout, m.CallTimeout)
		}
	}
	// A handler that gave up on its deadline reports a timeout
	if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s: %v", ErrHandlerTimeout, m.CallTimeout, r.err)
	}
	return r.value, r.err
}

// safeCall runs fn and converts both errors and panics into ErrHandler
func (m *Manager) safeCall(ctx context.Context, fn HandlerFunc, id WorkerID, payload Payload) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("%w: panic: %v", ErrHandler, r)
		}
	}()
	v, err = fn(ctx, m, id, payload)
	if err != nil && !errors.Is(err, ErrHandler) {
		err = fmt.Errorf("%w: %w", ErrHandler, err)
	}
	return v, err
}
