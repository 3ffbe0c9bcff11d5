package prefork

import (
	"slices"
	"time"
)

// workerRecord is the manager's view of one worker. Records are only touched
// by the Run loop.
type workerRecord struct {
	id         WorkerID
	pid        int
	proc       Process
	generation uint64
	ch         *managerChannel
	final      Payload
	spawnedAt  time.Time
	signaledAt time.Time
	// inboundClosed is set once the worker closed its end of the channel
	inboundClosed bool
}

// signaled reports whether a stop signal has been sent to the worker
func (r *workerRecord) signaled() bool {
	return !r.signaledAt.IsZero()
}

// pool maps worker ids to their records
type pool struct {
	workers map[WorkerID]*workerRecord
	lastID  WorkerID
}

func newPool() *pool {
	return &pool{workers: make(map[WorkerID]*workerRecord)}
}

// nextID allocates a fresh worker id
func (p *pool) nextID() WorkerID {
	p.lastID++
	return p.lastID
}

func (p *pool) add(r *workerRecord) {
	p.workers[r.id] = r
}

func (p *pool) get(id WorkerID) *workerRecord {
	return p.workers[id]
}

func (p *pool) remove(id WorkerID) {
	delete(p.workers, id)
}

func (p *pool) len() int {
	return len(p.workers)
}

// active counts live workers that have not been told to stop
func (p *pool) active() int {
	n := 0
	for _, r := range p.workers {
		if !r.signaled() {
			n++
		}
	}
	return n
}

// records returns all records oldest first: by spawn time, then by id
func (p *pool) records() []*workerRecord {
	out := make([]*workerRecord, 0, len(p.workers))
	for _, r := range p.workers {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *workerRecord) int {
		if c := a.spawnedAt.Compare(b.spawnedAt); c != 0 {
			return c
		}
		if a.id < b.id {
			return -1
		}
		if a.id > b.id {
			return 1
		}
		return 0
	})
	return out
}

// unsignaled returns the live workers not yet signaled, oldest first
func (p *pool) unsignaled() []*workerRecord {
	all := p.records()
	out := all[:0]
	for _, r := range all {
		if !r.signaled() {
			out = append(out, r)
		}
	}
	return out
}

// oldestActive returns the worker chosen when the pool shrinks: the oldest
// worker that has not already been signaled, or nil.
func (p *pool) oldestActive() *workerRecord {
	if rs := p.unsignaled(); len(rs) > 0 {
		return rs[0]
	}
	return nil
}
