package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/axondata/go-prefork"
	"github.com/google/uuid"
)

// job is handed to a worker by next_job
type job struct {
	ID string `json:"id"`
	N  int    `json:"n"`
}

// jobResult is reported by a worker through complete_job
type jobResult struct {
	ID     string `json:"id"`
	Result int    `json:"result"`
}

// summary is the final payload of a worker
type summary struct {
	Jobs int `json:"jobs"`
	Sum  int `json:"sum"`
}

// hello is the reply a worker gets when it starts
type hello struct {
	JobsPerWorker int `json:"jobs_per_worker"`
}

// jobBoard is the manager-side state behind the demo handlers. Handlers may
// run on timeout goroutines, so the state is locked.
type jobBoard struct {
	jobsPerWorker int

	mu        sync.Mutex
	next      int
	completed int
	total     int
	inflight  map[string]int
}

func newJobBoard(jobsPerWorker int) *jobBoard {
	return &jobBoard{
		jobsPerWorker: jobsPerWorker,
		inflight:      make(map[string]int),
	}
}

// register installs the demo handlers on m
func (b *jobBoard) register(m *prefork.Manager) error {
	handlers := map[string]prefork.HandlerFunc{
		"hello":        b.hello,
		"next_job":     b.nextJob,
		"complete_job": b.completeJob,
	}
	for name, fn := range handlers {
		if err := m.Handle(name, fn); err != nil {
			return err
		}
	}
	return nil
}

func (b *jobBoard) hello(_ context.Context, _ *prefork.Manager, _ prefork.WorkerID, _ prefork.Payload) (any, error) {
	return hello{JobsPerWorker: b.jobsPerWorker}, nil
}

func (b *jobBoard) nextJob(_ context.Context, _ *prefork.Manager, _ prefork.WorkerID, _ prefork.Payload) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	j := job{ID: uuid.NewString(), N: b.next}
	b.inflight[j.ID] = j.N
	return j, nil
}

func (b *jobBoard) completeJob(_ context.Context, _ *prefork.Manager, id prefork.WorkerID, payload prefork.Payload) (any, error) {
	var res jobResult
	if err := payload.Decode(&res); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.inflight[res.ID]
	if !ok {
		return nil, fmt.Errorf("worker %s completed unknown job %q", id, res.ID)
	}
	if res.Result != n*n {
		return nil, fmt.Errorf("job %q: got %d, want %d", res.ID, res.Result, n*n)
	}
	delete(b.inflight, res.ID)
	b.completed++
	b.total += res.Result
	return b.completed, nil
}

// totals returns the number of completed jobs and the sum of their results
func (b *jobBoard) totals() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completed, b.total
}
