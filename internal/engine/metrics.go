package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "percy"
	metricsSubsystem = "engine"
)

// Metrics counts engine operations. A nil *Metrics records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	conflicts  prometheus.Counter
	rollbacks  prometheus.Counter
	pushes     *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetricsInst *Metrics
)

// DefaultMetrics returns metrics registered on the default registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetricsInst = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetricsInst
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operations_total",
			Help:      "Total number of engine operations by result.",
		}, []string{"op", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "conflict_files_total",
			Help:      "Files reported as conflicting by commits.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "push_rollbacks_total",
			Help:      "Pushes whose local state was rolled back.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "pushes_total",
			Help:      "Pushes to origin by mode.",
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.duration, m.conflicts, m.rollbacks, m.pushes)
	}
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) conflict(n int) {
	if m == nil {
		return
	}
	m.conflicts.Add(float64(n))
}

func (m *Metrics) rollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

func (m *Metrics) push(force bool) {
	if m == nil {
		return
	}
	mode := "fast_forward"
	if force {
		mode = "force"
	}
	m.pushes.WithLabelValues(mode).Inc()
}
