// Package prometheus exports prefork manager metrics as Prometheus collectors.
package prometheus

import (
	"errors"
	"fmt"
	"time"

	"github.com/axondata/go-prefork"
	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	CallDurationBuckets []float64
}

// MetricsExporter adapts prefork.Metrics to Prometheus collectors.
type MetricsExporter struct {
	spawnsTotal         prom.Counter
	spawnFailuresTotal  prom.Counter
	exitsTotal          *prom.CounterVec
	callDurationSeconds *prom.HistogramVec
	workers             *prom.GaugeVec
}

var _ prefork.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers the collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "prefork"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.CallDurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	spawns := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawns_total",
		Help:      "Total number of worker processes started.",
	})
	spawnFailures := prom.NewCounter(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_spawn_failures_total",
		Help:      "Total number of failed worker spawn attempts.",
	})
	exits := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "worker_exits_total",
		Help:      "Total number of collected worker exits.",
	}, []string{"result", "generation"})
	callDuration := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "call_duration_seconds",
		Help:      "Duration of worker calls serviced by the manager.",
		Buckets:   buckets,
	}, []string{"method", "outcome"})
	workers := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "workers",
		Help:      "Current number of worker processes.",
	}, []string{"state"})

	var err error
	if spawns, err = registerCollector(reg, spawns); err != nil {
		return nil, err
	}
	if spawnFailures, err = registerCollector(reg, spawnFailures); err != nil {
		return nil, err
	}
	if exits, err = registerCollector(reg, exits); err != nil {
		return nil, err
	}
	if callDuration, err = registerCollector(reg, callDuration); err != nil {
		return nil, err
	}
	if workers, err = registerCollector(reg, workers); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		spawnsTotal:         spawns,
		spawnFailuresTotal:  spawnFailures,
		exitsTotal:          exits,
		callDurationSeconds: callDuration,
		workers:             workers,
	}, nil
}

// RecordSpawn records a started worker.
func (m *MetricsExporter) RecordSpawn(uint64) {
	if m == nil {
		return
	}
	m.spawnsTotal.Inc()
}

// RecordSpawnFailure records a failed spawn attempt.
func (m *MetricsExporter) RecordSpawnFailure() {
	if m == nil {
		return
	}
	m.spawnFailuresTotal.Inc()
}

// RecordReap records a collected worker exit.
func (m *MetricsExporter) RecordReap(status prefork.ExitStatus, current bool) {
	if m == nil {
		return
	}
	m.exitsTotal.WithLabelValues(resultLabel(status), generationLabel(current)).Inc()
}

// RecordCall records a serviced call.
func (m *MetricsExporter) RecordCall(method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.callDurationSeconds.WithLabelValues(normalizeLabel(method, "unknown"), normalizeLabel(outcome, "unknown")).
		Observe(duration.Seconds())
}

// RecordWorkers records the pool size.
func (m *MetricsExporter) RecordWorkers(active, total int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("active").Set(float64(active))
	m.workers.WithLabelValues("stopping").Set(float64(total - active))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func resultLabel(status prefork.ExitStatus) string {
	switch {
	case status.Success():
		return "success"
	case status.Signal != 0:
		return "signaled"
	default:
		return "failure"
	}
}

// generationLabel reports whether an exit belonged to the running generation
func generationLabel(current bool) string {
	if current {
		return "current"
	}
	return "stale"
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
