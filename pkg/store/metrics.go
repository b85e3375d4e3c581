package store

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks pause/resume/expiry counts. Prometheus counters feed the
// /metrics endpoint; atomic mirrors back the derived rates reported on /info.
type Metrics struct {
	pauses  atomic.Int64
	resumes atomic.Int64
	expired atomic.Int64

	promPauses  prometheus.Counter
	promResumes prometheus.Counter
	promExpired prometheus.Counter
}

// NewMetrics creates metrics and registers them with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		promPauses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atp_execution_pauses_total",
			Help: "Number of executions that paused awaiting a callback result.",
		}),
		promResumes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atp_execution_resumes_total",
			Help: "Number of paused executions resumed with a callback result.",
		}),
		promExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atp_execution_expired_total",
			Help: "Number of paused executions garbage-collected past max pause duration.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.promPauses, m.promResumes, m.promExpired)
	}
	return m
}

// Pause records one pause.
func (m *Metrics) Pause() {
	m.pauses.Add(1)
	m.promPauses.Inc()
}

// Resume records one resume.
func (m *Metrics) Resume() {
	m.resumes.Add(1)
	m.promResumes.Inc()
}

// Expire records one max-pause expiry.
func (m *Metrics) Expire() {
	m.expired.Add(1)
	m.promExpired.Inc()
}

// Snapshot returns the raw counters plus the derived rates.
func (m *Metrics) Snapshot() MetricsSnapshot {
	pauses := m.pauses.Load()
	resumes := m.resumes.Load()
	expired := m.expired.Load()
	snap := MetricsSnapshot{TotalPauses: pauses, TotalResumes: resumes, TotalExpired: expired}
	if pauses > 0 {
		snap.SuccessRate = float64(resumes) / float64(pauses)
		snap.ExpiredRate = float64(expired) / float64(pauses)
	}
	return snap
}

// MetricsSnapshot is the point-in-time view reported on /info.
type MetricsSnapshot struct {
	TotalPauses  int64   `json:"total_pauses"`
	TotalResumes int64   `json:"total_resumes"`
	TotalExpired int64   `json:"total_expired"`
	SuccessRate  float64 `json:"success_rate"`
	ExpiredRate  float64 `json:"expired_rate"`
}
