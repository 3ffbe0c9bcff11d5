//go:build linux || darwin

package prefork

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProcess stands in for a worker process; its worker runs on a goroutine
type fakeProcess struct {
	id   WorkerID
	pid  int
	sigs chan os.Signal
	done chan struct{}

	once   sync.Once
	status ExitStatus

	mu       sync.Mutex
	received []os.Signal
	times    []time.Time
}

func newFakeProcess(id WorkerID) *fakeProcess {
	return &fakeProcess{
		id:   id,
		pid:  100000 + int(id),
		sigs: make(chan os.Signal, 8),
		done: make(chan struct{}),
	}
}

func (p *fakeProcess) Pid() int {
	return p.pid
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}

	p.mu.Lock()
	p.received = append(p.received, sig)
	p.times = append(p.times, time.Now())
	p.mu.Unlock()

	if sig == syscall.SIGKILL {
		p.exit(ExitStatus{Code: -1, Signal: syscall.SIGKILL})
		return nil
	}
	select {
	case p.sigs <- sig:
	default:
	}
	return nil
}

func (p *fakeProcess) Wait() (ExitStatus, error) {
	<-p.done
	return p.status, nil
}

func (p *fakeProcess) exit(st ExitStatus) {
	p.once.Do(func() {
		p.status = st
		close(p.done)
	})
}

// signals returns the signals delivered so far and when they arrived
func (p *fakeProcess) signals() ([]os.Signal, []time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.received...), append([]time.Time(nil), p.times...)
}

// waitStop blocks until the worker is signaled or killed
func (p *fakeProcess) waitStop() {
	select {
	case <-p.sigs:
	case <-p.done:
	}
}

// workerBody is the code of an in-process worker
type workerBody func(w *Worker, p *fakeProcess)

// fakeSpawner starts workers as goroutines over duplicated channel files,
// the way an exec'd child inherits them
type fakeSpawner struct {
	body workerBody
	// fail, when set, decides whether a spawn attempt fails
	fail func(req SpawnRequest) error

	mu       sync.Mutex
	procs    map[WorkerID]*fakeProcess
	order    []WorkerID
	attempts []time.Time
	gens     []uint64
}

func newFakeSpawner(body workerBody) *fakeSpawner {
	return &fakeSpawner{body: body, procs: make(map[WorkerID]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (Process, error) {
	s.mu.Lock()
	s.attempts = append(s.attempts, time.Now())
	fail := s.fail
	s.mu.Unlock()

	if fail != nil {
		if err := fail(req); err != nil {
			return nil, err
		}
	}

	toWorker, err := dupFile(req.Files[0])
	if err != nil {
		return nil, err
	}
	toManager, err := dupFile(req.Files[1])
	if err != nil {
		_ = toWorker.Close()
		return nil, err
	}

	p := newFakeProcess(req.ID)
	w := NewWorkerFromFiles(req.ID, toWorker, toManager,
		WithGeneration(req.Generation),
		WithExitFunc(func(code int) {
			p.exit(ExitStatus{Code: code})
			runtime.Goexit()
		}),
	)

	s.mu.Lock()
	s.procs[req.ID] = p
	s.order = append(s.order, req.ID)
	s.gens = append(s.gens, req.Generation)
	s.mu.Unlock()

	go func() {
		defer func() {
			_ = w.Close()
			p.exit(ExitStatus{})
		}()
		s.body(w, p)
	}()
	return p, nil
}

func (s *fakeSpawner) proc(id WorkerID) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[id]
}

func (s *fakeSpawner) spawned() []WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]WorkerID(nil), s.order...)
}

func (s *fakeSpawner) attemptTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.attempts...)
}

// dupFile duplicates f's descriptor so it outlives the manager's copy
func dupFile(f *os.File) (*os.File, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	var nfd int
	var derr error
	if err := rc.Control(func(fd uintptr) {
		nfd, derr = syscall.Dup(int(fd))
	}); err != nil {
		return nil, err
	}
	if derr != nil {
		return nil, derr
	}
	syscall.CloseOnExec(nfd)
	if err := syscall.SetNonblock(nfd, true); err != nil {
		_ = syscall.Close(nfd)
		return nil, err
	}
	return os.NewFile(uintptr(nfd), f.Name()), nil
}

// recordingMetrics keeps what the manager reported
type recordingMetrics struct {
	mu       sync.Mutex
	spawns   int
	failures int
	reaps    []ExitStatus
	stale    int
	calls    []string
	active   int
	total    int
}

var _ Metrics = (*recordingMetrics)(nil)

func (r *recordingMetrics) RecordSpawn(uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns++
}

func (r *recordingMetrics) RecordSpawnFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
}

func (r *recordingMetrics) RecordReap(status ExitStatus, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaps = append(r.reaps, status)
	if !current {
		r.stale++
	}
}

func (r *recordingMetrics) RecordCall(method, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, method+"/"+outcome)
}

func (r *recordingMetrics) RecordWorkers(active, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active, r.total = active, total
}

func (r *recordingMetrics) snapshot() (spawns, failures int, calls []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawns, r.failures, append([]string(nil), r.calls...)
}

// newTestManager builds a manager over a fakeSpawner. No OS signals are
// handled unless the options install a signal table.
func newTestManager(t *testing.T, body workerBody, opts ...Option) (*Manager, *fakeSpawner) {
	t.Helper()
	spawner := newFakeSpawner(body)
	base := []Option{
		WithMaxWorkers(1),
		WithSpawner(spawner),
		WithLogger(discardLogger()),
		WithMaxWait(50 * time.Millisecond),
		WithErrRespawnInterval(50 * time.Millisecond),
		WithShutdownTimeout(5 * time.Second),
		WithSignalTable(SignalTable{}),
	}
	m, err := NewManager(append(base, opts...)...)
	require.NoError(t, err)
	return m, spawner
}

// runningManager is a manager running in the background
type runningManager struct {
	cancel   context.CancelFunc
	finished chan struct{}
	err      error
}

// startManager runs m in the background until the test ends
func startManager(t *testing.T, m *Manager) *runningManager {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runningManager{cancel: cancel, finished: make(chan struct{})}
	go func() {
		defer close(r.finished)
		r.err = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.finished:
		case <-time.After(10 * time.Second):
			t.Error("manager did not stop")
		}
	})
	return r
}

// wait returns Run's result, failing the test after timeout
func (r *runningManager) wait(t *testing.T, timeout time.Duration) error {
	t.Helper()
	select {
	case <-r.finished:
		return r.err
	case <-time.After(timeout):
		t.Fatal("manager did not return in time")
		return nil
	}
}

// stop cancels the run and returns Run's result
func (r *runningManager) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t, 10*time.Second)
}
