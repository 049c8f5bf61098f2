// Package metrics exposes Prometheus collectors for the lifecycle
// controller, the worker fleet and error boundaries.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gracekit"

// Metrics groups every gracekit collector.
type Metrics struct {
	State            prometheus.Gauge
	ExitCode         prometheus.Gauge
	ShutdownDuration prometheus.Histogram

	WorkersLive     prometheus.Gauge
	WorkersSpawned  prometheus.Counter
	WorkerExits     *prometheus.CounterVec
	ForcedDestroys  prometheus.Counter
	AcksIgnored     prometheus.Counter
	Disconnects     prometheus.Counter
	BoundaryFailure *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "Current lifecycle state (0 idle, 1 running, 2 shutting down, 3 exited).",
		}),
		ExitCode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "exit_code",
			Help:      "Resolved exit code, set once the process finalizes.",
		}),
		ShutdownDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "shutdown_duration_seconds",
			Help:      "Time from the first shutdown request to finalization.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}),
		WorkersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "workers_live",
			Help:      "Workers spawned and not yet observed exiting.",
		}),
		WorkersSpawned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "workers_spawned_total",
			Help:      "Workers spawned since the master started.",
		}),
		WorkerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "worker_exits_total",
			Help:      "Observed worker exits by resolved exit code.",
		}, []string{"code"}),
		ForcedDestroys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "forced_destroys_total",
			Help:      "Workers killed after a confirmed destroy handshake.",
		}),
		AcksIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "destroy_acks_ignored_total",
			Help:      "Destroy acknowledgments that matched no pending handle.",
		}),
		Disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fleet",
			Name:      "disconnect_requests_total",
			Help:      "Graceful disconnect requests sent to workers.",
		}),
		BoundaryFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "boundary",
			Name:      "failures_total",
			Help:      "Failures dispatched by error boundaries, by handling path.",
		}, []string{"path"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.State, m.ExitCode, m.ShutdownDuration,
			m.WorkersLive, m.WorkersSpawned, m.WorkerExits,
			m.ForcedDestroys, m.AcksIgnored, m.Disconnects,
			m.BoundaryFailure,
		)
	}
	return m
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetState records the lifecycle state ordinal.
func (m *Metrics) SetState(ordinal int) {
	if m == nil {
		return
	}
	m.State.Set(float64(ordinal))
}

// Finalized records the exit code and how long shutdown took. A zero
// since means shutdown was never requested.
func (m *Metrics) Finalized(code int, since time.Time) {
	if m == nil {
		return
	}
	m.ExitCode.Set(float64(code))
	if !since.IsZero() {
		m.ShutdownDuration.Observe(time.Since(since).Seconds())
	}
}

// WorkerSpawned records a spawned worker.
func (m *Metrics) WorkerSpawned() {
	if m == nil {
		return
	}
	m.WorkersSpawned.Inc()
	m.WorkersLive.Inc()
}

// WorkerExited records an observed worker exit.
func (m *Metrics) WorkerExited(code int) {
	if m == nil {
		return
	}
	m.WorkersLive.Dec()
	m.WorkerExits.WithLabelValues(strconv.Itoa(code)).Inc()
}

// ForcedDestroy records a handshake-confirmed kill.
func (m *Metrics) ForcedDestroy() {
	if m == nil {
		return
	}
	m.ForcedDestroys.Inc()
}

// AckIgnored records an unmatched destroy acknowledgment.
func (m *Metrics) AckIgnored() {
	if m == nil {
		return
	}
	m.AcksIgnored.Inc()
}

// DisconnectRequested records a graceful disconnect request.
func (m *Metrics) DisconnectRequested() {
	if m == nil {
		return
	}
	m.Disconnects.Inc()
}

// Failure records a boundary failure dispatched along path
// ("local", "default", "recursive").
func (m *Metrics) Failure(path string) {
	if m == nil {
		return
	}
	m.BoundaryFailure.WithLabelValues(path).Inc()
}
