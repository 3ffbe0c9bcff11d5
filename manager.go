package prefork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axondata/go-prefork/internal/unix"
	"vawter.tech/stopper"
)

// ReapFunc is called once for every collected worker with its exit status and
// the payload it delivered through Finish, nil if none.
type ReapFunc func(m *Manager, id WorkerID, status ExitStatus, final Payload) error

// Manager supervises a pool of worker processes. It keeps the number of
// workers at the desired count under rate-limited control, services worker
// calls, and stops the pool when a stop signal is received.
//
// All pool state is owned by the goroutine executing Run; the exported
// accessors are safe to use from handlers and other goroutines.
type Manager struct {
	// SpawnInterval is the cooldown after a spawn or a stop
	SpawnInterval time.Duration
	// ErrRespawnInterval is the cooldown after a spawn failure or a failed
	// worker exit
	ErrRespawnInterval time.Duration
	// MaxWait bounds one blocking wait of the loop
	MaxWait time.Duration
	// CallTimeout bounds one handler invocation, zero for no bound
	CallTimeout time.Duration
	// WriteTimeout bounds one message write to a worker
	WriteTimeout time.Duration
	// ShutdownTimeout is how long shutdown waits before killing the
	// remaining workers, zero to wait forever
	ShutdownTimeout time.Duration
	// StopSignal is sent to the worker removed when the pool shrinks
	StopSignal os.Signal
	// Signals maps received signals to actions
	Signals SignalTable

	spawner     Spawner
	logger      *slog.Logger
	metrics     Metrics
	beforeSpawn func(m *Manager) error
	afterSpawn  func(m *Manager, id WorkerID) error
	reap        ReapFunc
	onSignal    func(m *Manager, sig os.Signal)

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	desired    atomic.Int64
	generation atomic.Uint64
	numWorkers atomic.Int64
	running    atomic.Bool
	wakeRef    atomic.Pointer[waker]

	smu      sync.Mutex
	received os.Signal

	// Run loop state
	pool         *pool
	nextActionAt time.Time
	stopAction   *SignalAction
	exits        chan exitEvent
	sigQueue     chan signalEvent
	wake         *waker
	sctx         *stopper.Context
	handlerCtx   context.Context
}

// exitEvent is posted by a process waiter when its worker exits
type exitEvent struct {
	id     WorkerID
	status ExitStatus
	err    error
}

// signalEvent is posted by the signal relay
type signalEvent struct {
	sig         os.Signal
	fromContext bool
}

// Option configures a Manager
type Option func(*Manager)

// WithMaxWorkers sets the desired number of workers
func WithMaxWorkers(n int) Option {
	return func(m *Manager) {
		m.desired.Store(int64(n))
	}
}

// WithSpawnInterval sets the cooldown after a spawn or a stop
func WithSpawnInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.SpawnInterval = d
	}
}

// WithErrRespawnInterval sets the cooldown after a failure
func WithErrRespawnInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.ErrRespawnInterval = d
	}
}

// WithMaxWait bounds the loop's blocking wait
func WithMaxWait(d time.Duration) Option {
	return func(m *Manager) {
		m.MaxWait = d
	}
}

// WithCallTimeout bounds each handler invocation
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.CallTimeout = d
	}
}

// WithWriteTimeout bounds each message write to a worker
func WithWriteTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.WriteTimeout = d
	}
}

// WithShutdownTimeout sets how long shutdown waits before killing workers
func WithShutdownTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.ShutdownTimeout = d
	}
}

// WithStopSignal sets the signal sent to a worker when the pool shrinks
func WithStopSignal(sig os.Signal) Option {
	return func(m *Manager) {
		m.StopSignal = sig
	}
}

// WithSignalTable replaces the signal table
func WithSignalTable(t SignalTable) Option {
	return func(m *Manager) {
		m.Signals = t
	}
}

// WithSpawner sets how worker processes are started
func WithSpawner(s Spawner) Option {
	return func(m *Manager) {
		m.spawner = s
	}
}

// WithLogger sets the structured logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithHandler registers fn under method
func WithHandler(method string, fn HandlerFunc) Option {
	return func(m *Manager) {
		m.handlers[method] = fn
	}
}

// WithBeforeSpawn sets a hook run before every spawn; an error aborts the
// spawn and counts as a spawn failure
func WithBeforeSpawn(fn func(m *Manager) error) Option {
	return func(m *Manager) {
		m.beforeSpawn = fn
	}
}

// WithAfterSpawn sets a hook run after every successful spawn
func WithAfterSpawn(fn func(m *Manager, id WorkerID) error) Option {
	return func(m *Manager) {
		m.afterSpawn = fn
	}
}

// WithReapHook sets the hook run for every collected worker
func WithReapHook(fn ReapFunc) Option {
	return func(m *Manager) {
		m.reap = fn
	}
}

// WithOnSignal sets a hook run for every received signal, including ignored ones
func WithOnSignal(fn func(m *Manager, sig os.Signal)) Option {
	return func(m *Manager) {
		m.onSignal = fn
	}
}

// NewManager creates a Manager. WithMaxWorkers is required.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		SpawnInterval:      DefaultSpawnInterval,
		ErrRespawnInterval: DefaultErrRespawnInterval,
		MaxWait:            DefaultMaxWait,
		WriteTimeout:       DefaultWriteTimeout,
		ShutdownTimeout:    DefaultShutdownTimeout,
		StopSignal:         DefaultStopSignal,
		Signals:            DefaultSignalTable(),
		metrics:            NilMetrics{},
		handlers:           make(map[string]HandlerFunc),
		pool:               newPool(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.metrics == nil {
		m.metrics = NilMetrics{}
	}
	if m.spawner == nil {
		m.spawner = &ExecSpawner{}
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) validate() error {
	if m.desired.Load() < 1 {
		return fmt.Errorf("%w: max workers must be at least 1", ErrInvalidConfig)
	}
	if m.SpawnInterval < 0 || m.ErrRespawnInterval < 0 || m.CallTimeout < 0 ||
		m.WriteTimeout < 0 || m.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}
	if m.MaxWait <= 0 {
		return fmt.Errorf("%w: max wait must be positive", ErrInvalidConfig)
	}
	if m.StopSignal == nil {
		return fmt.Errorf("%w: stop signal required", ErrInvalidConfig)
	}
	for method, fn := range m.handlers {
		if err := checkMethod(method, fn); err != nil {
			return err
		}
	}
	return nil
}

// Desired returns the desired number of workers
func (m *Manager) Desired() int {
	return int(m.desired.Load())
}

// SetDesired changes the desired number of workers. The pool converges to
// the new size at the configured spawn rate.
func (m *Manager) SetDesired(n int) {
	if n < 0 {
		n = 0
	}
	m.desired.Store(int64(n))
	m.wakeLoop()
}

// NumWorkers returns the number of live workers, including those told to stop
func (m *Manager) NumWorkers() int {
	return int(m.numWorkers.Load())
}

// Generation returns the current generation; it increments with every Run
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// ReceivedSignal returns the most recently received signal, nil if none
func (m *Manager) ReceivedSignal() os.Signal {
	m.smu.Lock()
	defer m.smu.Unlock()
	return m.received
}

func (m *Manager) setReceived(sig os.Signal) {
	m.smu.Lock()
	m.received = sig
	m.smu.Unlock()
}

func (m *Manager) wakeLoop() {
	if w := m.wakeRef.Load(); w != nil {
		w.Wake()
	}
}

// Run supervises the pool until a stop signal is received or ctx is
// cancelled, then stops every worker according to the signal's action and
// returns once all workers have been collected. Cancelling ctx acts like
// receiving SIGTERM.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	wake, err := newWaker()
	if err != nil {
		return fmt.Errorf("prefork: creating wake pipe: %w", err)
	}
	defer func() { _ = wake.Close() }()

	m.wake = wake
	m.wakeRef.Store(wake)
	defer m.wakeRef.Store(nil)

	gen := m.generation.Add(1)
	m.nextActionAt = time.Time{}
	m.stopAction = nil
	m.exits = make(chan exitEvent, 16)
	m.sigQueue = make(chan signalEvent, 16)
	m.handlerCtx = context.WithoutCancel(ctx)

	// Helper goroutines must outlive ctx: process waiters keep reporting
	// exits while shutdown runs.
	m.sctx = stopper.WithContext(context.WithoutCancel(ctx))
	defer func() {
		m.sctx.Stop(100 * time.Millisecond)
		_ = m.sctx.Wait()
	}()

	m.relaySignals(ctx)

	m.logger.Info("prefork: manager started",
		"generation", gen, "workers", m.Desired(), "pid", os.Getpid())

	for {
		m.drainSignals()
		if m.stopAction != nil {
			break
		}

		now := time.Now()
		acted := m.reconcile(now)
		m.dispatchAll()

		var until time.Time
		if m.pool.active() != m.Desired() && m.nextActionAt.After(now) {
			until = m.nextActionAt
		}
		m.waitForExit(!acted, until)
	}

	m.shutdown()
	m.logger.Info("prefork: manager stopped", "generation", gen)
	return nil
}

// relaySignals forwards OS signals and ctx cancellation to the loop
func (m *Manager) relaySignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 8)
	if sigs := m.Signals.signals(); len(sigs) > 0 {
		signal.Notify(sigCh, sigs...)
	}
	queue, wake := m.sigQueue, m.wake

	m.sctx.Go(func(sctx *stopper.Context) error {
		defer signal.Stop(sigCh)
		done := ctx.Done()
		for {
			var ev signalEvent
			select {
			case sig := <-sigCh:
				ev = signalEvent{sig: sig}
			case <-done:
				ev = signalEvent{sig: DefaultStopSignal, fromContext: true}
				done = nil
			case <-sctx.Stopping():
				return nil
			}
			select {
			case queue <- ev:
				wake.Wake()
			case <-sctx.Stopping():
				return nil
			}
		}
	})
}

// drainSignals records every queued signal. A non-ignored action becomes
// the pending stop action, replacing any earlier one.
func (m *Manager) drainSignals() {
	for {
		select {
		case ev := <-m.sigQueue:
			m.recordSignal(ev)
		default:
			return
		}
	}
}

func (m *Manager) recordSignal(ev signalEvent) {
	action, ok := m.Signals[ev.sig]
	if ev.fromContext {
		if !ok || action.Ignored() {
			action = Send(ev.sig)
		}
	} else {
		m.setReceived(ev.sig)
	}

	m.logger.Info("prefork: signal received",
		"signal", SignalName(ev.sig), "action", action.String(), "context", ev.fromContext)

	if m.onSignal != nil && !ev.fromContext {
		if err := runHook("signal", func() error { m.onSignal(m, ev.sig); return nil }); err != nil {
			m.logger.Error("prefork: signal hook failed", "error", err)
		}
	}

	if action.Ignored() {
		return
	}
	m.stopAction = &action
}

// reconcile takes at most one spawn or stop step toward the desired count.
// It reports whether a step was taken.
func (m *Manager) reconcile(now time.Time) bool {
	if now.Before(m.nextActionAt) {
		return false
	}

	active := m.pool.active()
	desired := m.Desired()
	switch {
	case active < desired:
		return m.spawn(now)
	case active > desired:
		return m.stopOne(now)
	default:
		return false
	}
}

// spawn starts one worker. A failure applies the failure cooldown and does
// not count as a step, so the loop blocks until the cooldown expires.
func (m *Manager) spawn(now time.Time) bool {
	gen := m.generation.Load()

	if m.beforeSpawn != nil {
		if err := runHook("before-spawn", func() error { return m.beforeSpawn(m) }); err != nil {
			m.spawnFailed(now, 0, err)
			return false
		}
	}

	id := m.pool.nextID()
	ch, childFiles, err := newChannelPair(id, m.WriteTimeout)
	if err != nil {
		m.spawnFailed(now, id, err)
		return false
	}

	proc, err := m.spawner.Spawn(m.handlerCtx, SpawnRequest{ID: id, Generation: gen, Files: childFiles})
	for _, f := range childFiles {
		_ = f.Close()
	}
	if err != nil {
		_ = ch.Close()
		m.spawnFailed(now, id, err)
		return false
	}

	rec := &workerRecord{
		id:         id,
		pid:        proc.Pid(),
		proc:       proc,
		generation: gen,
		ch:         ch,
		spawnedAt:  now,
	}
	m.pool.add(rec)
	m.poolChanged()
	m.watch(rec)

	m.metrics.RecordSpawn(gen)
	m.logger.Debug("prefork: worker spawned", "worker", id, "pid", rec.pid, "generation", gen)

	if m.afterSpawn != nil {
		if err := runHook("after-spawn", func() error { return m.afterSpawn(m, id) }); err != nil {
			m.logger.Error("prefork: after-spawn hook failed", "worker", id, "error", err)
		}
	}

	m.nextActionAt = now.Add(m.SpawnInterval)
	return true
}

func (m *Manager) spawnFailed(now time.Time, id WorkerID, err error) {
	if !errors.Is(err, ErrSpawn) {
		err = fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	m.metrics.RecordSpawnFailure()
	m.logger.Error("prefork: spawn failed",
		"error", &OpError{Op: OpSpawn, Worker: id, Err: err}, "retry_in", m.ErrRespawnInterval)
	m.nextActionAt = now.Add(m.ErrRespawnInterval)
}

// watch starts the goroutine waiting for rec's process to exit
func (m *Manager) watch(rec *workerRecord) {
	id, proc := rec.id, rec.proc
	exits, wake := m.exits, m.wake

	m.sctx.Go(func(sctx *stopper.Context) error {
		status, err := proc.Wait()
		select {
		case exits <- exitEvent{id: id, status: status, err: err}:
			wake.Wake()
		case <-sctx.Stopping():
		}
		return nil
	})
}

// stopOne signals the oldest active worker
func (m *Manager) stopOne(now time.Time) bool {
	rec := m.pool.oldestActive()
	if rec == nil {
		return false
	}
	if err := m.signalWorker(rec, m.StopSignal, now); err != nil {
		m.logger.Warn("prefork: stop failed", "worker", rec.id, "pid", rec.pid, "error", err)
	}
	m.nextActionAt = now.Add(m.SpawnInterval)
	return true
}

// signalWorker sends sig to rec and marks it as signaled
func (m *Manager) signalWorker(rec *workerRecord, sig os.Signal, now time.Time) error {
	if !rec.signaled() {
		rec.signaledAt = now
		m.poolChanged()
	}
	m.logger.Debug("prefork: signaling worker", "worker", rec.id, "pid", rec.pid, "signal", SignalName(sig))
	if err := rec.proc.Signal(sig); err != nil {
		return &OpError{Op: OpSignal, Worker: rec.id, Err: err}
	}
	return nil
}

// waitForExit collects at most one exited worker. When block is set it
// first waits for an exit, for input from any worker, for a wake-up, or
// until MaxWait or until (if set) elapses.
func (m *Manager) waitForExit(block bool, until time.Time) {
	select {
	case ev := <-m.exits:
		m.reapWorker(ev)
		return
	default:
	}
	if !block {
		return
	}

	timeout := m.MaxWait
	if !until.IsZero() {
		if d := time.Until(until); d < timeout {
			timeout = max(d, 0)
		}
	}

	fds := []int{m.wake.fd}
	for _, rec := range m.pool.records() {
		if rec.inboundClosed {
			continue
		}
		if fd, err := rec.ch.inboundFD(); err == nil {
			fds = append(fds, fd)
		}
	}

	if _, err := unix.PollReadable(fds, timeout); err != nil {
		m.logger.Error("prefork: poll failed", "error", err)
		time.Sleep(timeout)
	}
	m.wake.drain()

	select {
	case ev := <-m.exits:
		m.reapWorker(ev)
	default:
	}
}

// reapWorker hands an exited worker to the reap hook and removes it
func (m *Manager) reapWorker(ev exitEvent) {
	rec := m.pool.get(ev.id)
	if rec == nil {
		m.logger.Warn("prefork: exit for unknown worker", "worker", ev.id)
		return
	}
	if ev.err != nil {
		m.logger.Warn("prefork: wait failed",
			"error", &OpError{Op: OpReap, Worker: rec.id, Err: ev.err})
	}

	current := rec.generation == m.generation.Load()
	if current {
		m.logger.Debug("prefork: worker exited",
			"worker", rec.id, "pid", rec.pid, "status", ev.status.String(), "final", !rec.final.Absent())
	} else {
		m.logger.Debug("prefork: stale worker exited",
			"worker", rec.id, "pid", rec.pid, "generation", rec.generation, "status", ev.status.String())
	}

	if m.reap != nil {
		err := runHook("reap", func() error { return m.reap(m, rec.id, ev.status, rec.final) })
		if err != nil {
			m.logger.Error("prefork: reap hook failed", "worker", rec.id, "error", err)
		}
	}

	m.pool.remove(rec.id)
	if err := rec.ch.Close(); err != nil {
		m.logger.Debug("prefork: closing channel", "worker", rec.id, "error", err)
	}
	m.poolChanged()
	m.metrics.RecordReap(ev.status, current)

	if current && !ev.status.Success() && !rec.signaled() && m.stopAction == nil {
		m.nextActionAt = time.Now().Add(m.ErrRespawnInterval)
	}
}

// poolChanged publishes the pool size
func (m *Manager) poolChanged() {
	m.numWorkers.Store(int64(m.pool.len()))
	m.metrics.RecordWorkers(m.pool.active(), m.pool.len())
}

// runHook runs fn, converting a panic into an error
func runHook(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s hook panic: %v", name, r)
		}
	}()
	return fn()
}
