//go:build linux || darwin

package prefork

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dispatchFixture is a manager with one in-process worker channel
type dispatchFixture struct {
	t       *testing.T
	m       *Manager
	rec     *workerRecord
	wc      *workerChannel
	metrics *recordingMetrics
}

func newDispatchFixture(t *testing.T, opts ...Option) *dispatchFixture {
	t.Helper()
	metrics := &recordingMetrics{}
	base := []Option{WithMaxWorkers(1), WithLogger(discardLogger()), WithMetrics(metrics)}
	m, err := NewManager(append(base, opts...)...)
	require.NoError(t, err)

	mc, wc := newTestChannel(t, 1)
	rec := &workerRecord{id: 1, pid: 4242, generation: 1, ch: mc, spawnedAt: time.Now()}
	m.pool.add(rec)
	return &dispatchFixture{t: t, m: m, rec: rec, wc: wc, metrics: metrics}
}

// call sends one call from the worker side, runs the dispatcher and
// returns the answer
func (f *dispatchFixture) call(method string, payload Payload) Message {
	f.t.Helper()
	require.NoError(f.t, f.wc.Send(Message{Kind: KindCall, WorkerID: 1, Method: method, Payload: payload}))
	return f.dispatchAndReceive()
}

func (f *dispatchFixture) dispatchAndReceive() Message {
	f.t.Helper()
	f.m.dispatchAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := f.wc.receiveBlocking(ctx)
	require.NoError(f.t, err)
	return msg
}

func TestDispatchCall(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.m.Handle("double", func(_ context.Context, _ *Manager, id WorkerID, p Payload) (any, error) {
		var n int
		if err := p.Decode(&n); err != nil {
			return nil, err
		}
		return map[string]any{"worker": id, "n": n * 2}, nil
	}))

	reply := f.call("double", Payload(`21`))
	assert.Equal(t, KindReply, reply.Kind)
	assert.Equal(t, WorkerID(1), reply.WorkerID)
	assert.JSONEq(t, `{"worker":1,"n":42}`, reply.Payload.String())

	_, _, calls := f.metrics.snapshot()
	assert.Equal(t, []string{"double/" + OutcomeOK}, calls)
}

func TestDispatchAbsentPayload(t *testing.T) {
	f := newDispatchFixture(t)
	var sawAbsent bool
	require.NoError(t, f.m.Handle("ping", func(_ context.Context, _ *Manager, _ WorkerID, p Payload) (any, error) {
		sawAbsent = p.Absent()
		return "pong", nil
	}))

	reply := f.call("ping", nil)
	assert.True(t, sawAbsent)
	assert.Equal(t, KindReply, reply.Kind)
	assert.Equal(t, `"pong"`, reply.Payload.String())
}

func TestDispatchNilResult(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.m.Handle("noop", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		return nil, nil
	}))

	reply := f.call("noop", nil)
	assert.Equal(t, KindReply, reply.Kind)
	assert.True(t, reply.Payload.Absent())
}

func TestDispatchUnknownMethod(t *testing.T) {
	f := newDispatchFixture(t)

	reply := f.call("missing", Payload(`1`))
	assert.Equal(t, KindErrorReply, reply.Kind)
	assert.Equal(t, CodeUnknownMethod, reply.Code)
	assert.Contains(t, reply.Error, "missing")

	_, _, calls := f.metrics.snapshot()
	assert.Equal(t, []string{"missing/" + OutcomeUnknownMethod}, calls)
}

func TestDispatchHandlerError(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.m.Handle("fail", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		return nil, errors.New("disk on fire")
	}))

	reply := f.call("fail", nil)
	assert.Equal(t, KindErrorReply, reply.Kind)
	assert.Equal(t, CodeHandler, reply.Code)
	assert.Contains(t, reply.Error, "disk on fire")
}

func TestDispatchHandlerPanic(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.m.Handle("boom", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		panic("kaboom")
	}))
	require.NoError(t, f.m.Handle("ok", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		return 1, nil
	}))

	reply := f.call("boom", nil)
	assert.Equal(t, KindErrorReply, reply.Kind)
	assert.Equal(t, CodeHandler, reply.Code)
	assert.Contains(t, reply.Error, "kaboom")

	reply = f.call("ok", nil)
	assert.Equal(t, KindReply, reply.Kind)
}

func TestDispatchUnencodableResult(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.m.Handle("chan", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		return make(chan int), nil
	}))

	reply := f.call("chan", nil)
	assert.Equal(t, KindErrorReply, reply.Kind)
	assert.Equal(t, CodeHandler, reply.Code)
}

func TestDispatchTimeoutCooperative(t *testing.T) {
	f := newDispatchFixture(t, WithCallTimeout(30*time.Millisecond))
	var hadDeadline bool
	require.NoError(t, f.m.Handle("slow", func(ctx context.Context, _ *Manager, _ WorkerID, _ Payload) (any, error) {
		_, hadDeadline = ctx.Deadline()
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	reply := f.call("slow", nil)
	assert.True(t, hadDeadline)
	assert.Equal(t, KindErrorReply, reply.Kind)
	assert.Equal(t, CodeTimeout, reply.Code)

	_, _, calls := f.metrics.snapshot()
	assert.Equal(t, []string{"slow/" + OutcomeTimeout}, calls)
}

func TestDispatchTimeoutDoesNotWaitForHandler(t *testing.T) {
	f := newDispatchFixture(t, WithCallTimeout(30*time.Millisecond))
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, f.m.Handle("stuck", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		<-release
		return "late", nil
	}))
	require.NoError(t, f.m.Handle("fast", func(context.Context, *Manager, WorkerID, Payload) (any, error) {
		return "quick", nil
	}))

	start := time.Now()
	reply := f.call("stuck", nil)
	assert.Equal(t, CodeTimeout, reply.Code)
	assert.Less(t, time.Since(start), time.Second)

	reply = f.call("fast", nil)
	assert.Equal(t, KindReply, reply.Kind)
	assert.Equal(t, `"quick"`, reply.Payload.String())
}

func TestDispatchFinalize(t *testing.T) {
	f := newDispatchFixture(t)

	require.NoError(t, f.wc.Send(Message{Kind: KindFinalize, WorkerID: 1, Payload: Payload(`{"sum":385}`)}))
	ack := f.dispatchAndReceive()
	assert.Equal(t, KindFinalizeAck, ack.Kind)
	assert.JSONEq(t, `{"sum":385}`, f.rec.final.String())
}

func TestDispatchSeveralMessagesInOneRead(t *testing.T) {
	f := newDispatchFixture(t)
	var seen []int
	require.NoError(t, f.m.Handle("n", func(_ context.Context, _ *Manager, _ WorkerID, p Payload) (any, error) {
		var n int
		if err := p.Decode(&n); err != nil {
			return nil, err
		}
		seen = append(seen, n)
		return n, nil
	}))

	// A misbehaving worker may pipeline calls; each still gets its reply
	_, err := f.wc.toManager.Write([]byte(
		`{"kidpid":1,"callback_method":"n","child_payload":1}` + "\n" +
			`not json` + "\n" +
			`{"kidpid":1,"callback_method":"n","child_payload":2}` + "\n"))
	require.NoError(t, err)

	f.m.dispatchAll()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for want := 1; want <= 2; want++ {
		msg, err := f.wc.receiveBlocking(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(want), msg.Payload.String())
	}
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDispatchClosedChannel(t *testing.T) {
	f := newDispatchFixture(t)
	require.NoError(t, f.wc.toManager.Close())

	require.Eventually(t, func() bool {
		f.m.dispatchAll()
		return f.rec.inboundClosed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchUnexpectedKind(t *testing.T) {
	f := newDispatchFixture(t)
	err := f.m.handleMessage(f.rec, Message{Kind: KindReply, WorkerID: 1})
	assert.Error(t, err)
}

func TestHandleReservedNames(t *testing.T) {
	m, err := NewManager(WithMaxWorkers(1))
	require.NoError(t, err)

	fn := func(context.Context, *Manager, WorkerID, Payload) (any, error) { return nil, nil }
	assert.ErrorIs(t, m.Handle("", fn), ErrReservedMethod)
	assert.ErrorIs(t, m.Handle(FinalizeMethod, fn), ErrReservedMethod)
	assert.ErrorIs(t, m.Handle("x", nil), ErrInvalidConfig)
	assert.NoError(t, m.Handle("x", fn))
}
