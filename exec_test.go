//go:build linux || darwin

package prefork

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execFinal struct {
	ID         uint64 `json:"id"`
	Square     uint64 `json:"square"`
	Generation uint64 `json:"generation"`
}

func TestExecWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping exec integration test in short mode")
	}

	var mu sync.Mutex
	var finals []execFinal
	pids := make(map[WorkerID]int)
	done := make(chan struct{})

	m, err := NewManager(
		WithMaxWorkers(2),
		WithLogger(discardLogger()),
		WithSignalTable(SignalTable{}),
		WithSpawner(&ExecSpawner{Args: []string{"-test.run=^$"}}),
		WithHandler("square", func(_ context.Context, _ *Manager, _ WorkerID, p Payload) (any, error) {
			var n uint64
			if err := p.Decode(&n); err != nil {
				return nil, err
			}
			return n * n, nil
		}),
		WithAfterSpawn(func(m *Manager, id WorkerID) error {
			mu.Lock()
			defer mu.Unlock()
			pids[id] = m.pool.get(id).pid
			return nil
		}),
		WithReapHook(func(_ *Manager, id WorkerID, status ExitStatus, final Payload) error {
			if !status.Success() {
				return nil
			}
			var f execFinal
			if err := final.Decode(&f); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			finals = append(finals, f)
			if len(finals) == 4 {
				close(done)
			}
			return nil
		}),
	)
	require.NoError(t, err)

	run := startManager(t, m)
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("workers did not finish")
	}
	require.NoError(t, run.stop(t))

	mu.Lock()
	defer mu.Unlock()
	for _, f := range finals[:4] {
		assert.Equal(t, f.ID*f.ID, f.Square)
		assert.Equal(t, uint64(1), f.Generation)
		pid := pids[WorkerID(f.ID)]
		assert.NotZero(t, pid)
		assert.NotEqual(t, os.Getpid(), pid)
	}
}
