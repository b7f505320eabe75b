package runtime

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the counters/gauges/histograms this core reports, satisfying
// stagerunner.Metrics so the runner never imports prometheus directly.
type Metrics struct {
	activations  *prometheus.CounterVec
	cursorIdx    *prometheus.GaugeVec
	leaseWait    prometheus.Histogram
	queueLength  *prometheus.GaugeVec
}

// NewMetrics registers snowcat's collectors on reg. Pass prometheus.NewRegistry()
// for an isolated registry in tests, or prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snowcat_activations_total",
			Help: "Total stage activations, by stage name.",
		}, []string{"stage"}),
		cursorIdx: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snowcat_cursor_idx",
			Help: "Current cursor index, by stage and stream.",
		}, []string{"stage", "stream"}),
		leaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snowcat_lease_wait_seconds",
			Help:    "Time spent acquiring a stage lease before a run starts.",
			Buckets: prometheus.DefBuckets,
		}),
		queueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "snowcat_queue_length",
			Help: "Indexed log length, by stream and queue.",
		}, []string{"stream", "queue"}),
	}
	reg.MustRegister(m.activations, m.cursorIdx, m.leaseWait, m.queueLength)
	return m
}

func (m *Metrics) ObserveActivation(stage string) {
	m.activations.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveCursorIdx(stage, stream string, idx uint64) {
	m.cursorIdx.WithLabelValues(stage, stream).Set(float64(idx))
}

func (m *Metrics) ObserveLeaseWait(d time.Duration) {
	m.leaseWait.Observe(d.Seconds())
}

func (m *Metrics) ObserveQueueLength(stream, queue string, length uint64) {
	m.queueLength.WithLabelValues(stream, queue).Set(float64(length))
}
