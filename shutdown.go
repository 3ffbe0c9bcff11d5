package prefork

import (
	"syscall"
	"time"
)

// shutdown stops every live worker according to the recorded stop action
// and returns once the pool is empty. Calls keep being serviced so workers
// can complete their finalize handshake while stopping. A signal received
// meanwhile replaces the action for the workers not yet signaled; workers
// are never signaled twice, except by the final kill after ShutdownTimeout.
func (m *Manager) shutdown() {
	started := time.Now()
	var deadline time.Time
	if m.ShutdownTimeout > 0 {
		deadline = started.Add(m.ShutdownTimeout)
	}

	m.logger.Info("prefork: shutting down",
		"action", m.stopAction.String(), "workers", m.pool.len())

	var (
		current *SignalAction
		next    time.Time
		killed  bool
	)
	for m.pool.len() > 0 {
		m.drainSignals()
		if m.stopAction != current {
			// A new stop signal restarts the schedule for the remaining workers
			current = m.stopAction
			next = time.Now()
		}
		action := *current

		now := time.Now()
		if !now.Before(next) {
			if n := m.signalStep(action, now); n > 0 && action.Stagger > 0 {
				next = now.Add(action.Stagger)
			}
		}

		if !killed && !deadline.IsZero() && !now.Before(deadline) {
			m.killAll(now)
			killed = true
		}

		m.dispatchAll()

		until := deadline
		if action.Stagger > 0 && len(m.pool.unsignaled()) > 0 && (until.IsZero() || next.Before(until)) {
			until = next
		}
		if killed {
			until = time.Time{}
		}
		m.waitForExit(true, until)
	}

	m.logger.Info("prefork: all workers stopped", "elapsed", time.Since(started))
}

// signalStep signals the workers due in this step: all unsignaled workers
// for an immediate action, the oldest one for a staggered action. It
// returns the number of workers signaled.
func (m *Manager) signalStep(action SignalAction, now time.Time) int {
	pending := m.pool.unsignaled()
	if len(pending) == 0 {
		return 0
	}
	if action.Stagger > 0 {
		pending = pending[:1]
	}

	merr := &MultiError{}
	for _, rec := range pending {
		merr.Add(m.signalWorker(rec, action.Signal, now))
	}
	if err := merr.Err(); err != nil {
		m.logger.Warn("prefork: shutdown signal failed", "error", err)
	}
	return len(pending)
}

// killAll sends SIGKILL to every remaining worker
func (m *Manager) killAll(now time.Time) {
	m.logger.Warn("prefork: shutdown timeout, killing workers",
		"workers", m.pool.len(), "timeout", m.ShutdownTimeout)

	merr := &MultiError{}
	for _, rec := range m.pool.records() {
		merr.Add(m.signalWorker(rec, syscall.SIGKILL, now))
	}
	if err := merr.Err(); err != nil {
		m.logger.Warn("prefork: kill failed", "error", err)
	}
}
