package prefork

import "time"

// Call outcomes reported to Metrics
const (
	OutcomeOK            = "ok"
	OutcomeUnknownMethod = string(CodeUnknownMethod)
	OutcomeTimeout       = string(CodeTimeout)
	OutcomeHandlerError  = string(CodeHandler)
)

// Metrics receives manager events for observability. Implementations must be
// safe for use from the Run loop goroutine; the loop never calls them
// concurrently.
type Metrics interface {
	// RecordSpawn records a successfully started worker
	RecordSpawn(generation uint64)
	// RecordSpawnFailure records a failed spawn attempt
	RecordSpawnFailure()
	// RecordReap records a collected worker exit; current is false for
	// workers from a superseded generation
	RecordReap(status ExitStatus, current bool)
	// RecordCall records one serviced call
	RecordCall(method, outcome string, duration time.Duration)
	// RecordWorkers records the pool size after a change
	RecordWorkers(active, total int)
}

// NilMetrics provides a no-op metrics implementation
type NilMetrics struct{}

var _ Metrics = NilMetrics{}

// RecordSpawn does nothing
func (NilMetrics) RecordSpawn(uint64) {}

// RecordSpawnFailure does nothing
func (NilMetrics) RecordSpawnFailure() {}

// RecordReap does nothing
func (NilMetrics) RecordReap(ExitStatus, bool) {}

// RecordCall does nothing
func (NilMetrics) RecordCall(string, string, time.Duration) {}

// RecordWorkers does nothing
func (NilMetrics) RecordWorkers(int, int) {}
