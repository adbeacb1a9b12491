// Package report turns what happened during an attempt into metrics, a
// status endpoint and the attempt report persisted with the output.
package report

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/psantana5/spotguard/pkg/models"
	"github.com/psantana5/spotguard/pkg/storage"
)

// Sync kinds used as metric labels.
const (
	SyncInput       = "input"
	SyncCheckpoints = "checkpoints"
	SyncPeriodic    = "periodic"
	SyncFinal       = "final"
)

const (
	syncSuccess = "success"
	syncFailure = "failure"
)

// Shutdown modes.
const (
	ShutdownGraceful = "graceful"
	ShutdownForced   = "forced"
)

// Metrics are counters and gauges on a private registry. Nothing here is
// global, so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	syncTotal    *prometheus.CounterVec
	syncDuration *prometheus.HistogramVec
	syncFiles    *prometheus.CounterVec
	state        *prometheus.GaugeVec
	workerExits  *prometheus.CounterVec
	shutdowns    *prometheus.CounterVec
	resumeFrom   prometheus.Gauge
}

// NewMetrics registers every spotguard collector plus the Go and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_sync_total",
			Help: "Sync runs by kind and result.",
		}, []string{"kind", "result"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spotguard_sync_duration_seconds",
			Help:    "Wall time of sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
		}, []string{"kind"}),
		syncFiles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_sync_files_total",
			Help: "Files transferred by sync runs.",
		}, []string{"kind"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spotguard_state",
			Help: "1 for the supervisor's current state, 0 otherwise.",
		}, []string{"state"}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_worker_exits_total",
			Help: "Worker exits by reason.",
		}, []string{"reason"}),
		shutdowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spotguard_shutdown_total",
			Help: "Interrupt-driven worker shutdowns by mode.",
		}, []string{"mode"}),
		resumeFrom: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spotguard_resume_checkpoint",
			Help: "Checkpoint number the attempt resumed from, -1 for a fresh start.",
		}),
	}

	m.registry.MustRegister(
		m.syncTotal, m.syncDuration, m.syncFiles,
		m.state, m.workerExits, m.shutdowns, m.resumeFrom,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, s := range models.AllStates() {
		m.state.WithLabelValues(string(s)).Set(0)
	}
	// An attempt that never synced still reports zero counts.
	for _, kind := range []string{SyncInput, SyncCheckpoints, SyncPeriodic, SyncFinal} {
		for _, result := range []string{syncSuccess, syncFailure} {
			m.syncTotal.WithLabelValues(kind, result)
		}
		m.syncFiles.WithLabelValues(kind)
	}
	m.resumeFrom.Set(-1)
	return m
}

// Registry exposes the registry for HTTP serving and snapshots.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSync records one sync run.
func (m *Metrics) ObserveSync(kind string, stats storage.SyncStats, took time.Duration, err error) {
	result := syncSuccess
	if err != nil {
		result = syncFailure
	}
	m.syncTotal.WithLabelValues(kind, result).Inc()
	m.syncDuration.WithLabelValues(kind).Observe(took.Seconds())
	m.syncFiles.WithLabelValues(kind).Add(float64(stats.Transferred))
}

// SetState marks s as the only current state.
func (m *Metrics) SetState(s models.State) {
	for _, other := range models.AllStates() {
		v := 0.0
		if other == s {
			v = 1
		}
		m.state.WithLabelValues(string(other)).Set(v)
	}
}

// WorkerExited counts a worker exit.
func (m *Metrics) WorkerExited(reason string) {
	m.workerExits.WithLabelValues(reason).Inc()
}

// ShutdownCompleted counts an interrupt-driven shutdown.
func (m *Metrics) ShutdownCompleted(forced bool) {
	mode := ShutdownGraceful
	if forced {
		mode = ShutdownForced
	}
	m.shutdowns.WithLabelValues(mode).Inc()
}

// ResumedFrom records the selected checkpoint number, or -1.
func (m *Metrics) ResumedFrom(n int) {
	m.resumeFrom.Set(float64(n))
}
