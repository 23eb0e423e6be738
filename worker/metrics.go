package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics wraps the worker's Prometheus instrumentation: claimed,
// delivered, retried, and dead-lettered counters plus a delivery
// latency histogram. Grounded on the teacher's eventbus module's
// prometheus/client_golang dependency; registration is via an injected
// prometheus.Registerer so the worker has no hard dependency on a
// running metrics server.
type Metrics struct {
	claimed        prometheus.Counter
	delivered      prometheus.Counter
	retried        prometheus.Counter
	deadLettered   prometheus.Counter
	deliverLatency prometheus.Histogram
}

// NewMetrics constructs and registers the worker's metrics against reg.
// A nil reg is fine: the returned Metrics still records values, it
// just isn't exposed anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_worker_claimed_total",
			Help: "Deliveries claimed by this worker instance.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_worker_delivered_total",
			Help: "Deliveries marked delivered.",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_worker_retried_total",
			Help: "Deliveries scheduled for retry after a failure.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventbus_worker_dead_lettered_total",
			Help: "Deliveries marked permanently failed (attempts exhausted).",
		}),
		deliverLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventbus_worker_deliver_seconds",
			Help:    "Latency of a single Notifier.Deliver call.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.claimed, m.delivered, m.retried, m.deadLettered, m.deliverLatency)
	}
	return m
}

// NewNoopMetrics returns a Metrics not registered anywhere; used when
// the caller doesn't supply one.
func NewNoopMetrics() *Metrics {
	return NewMetrics(nil)
}

func (m *Metrics) Claimed(n int) {
	m.claimed.Add(float64(n))
}

func (m *Metrics) Delivered(n int) {
	m.delivered.Add(float64(n))
}

// Retried counts deliveries that markFailed rescheduled with backoff
// (attempts still under the ceiling). Deliveries that instead hit
// maxAttempts are counted by DeadLettered, not here.
func (m *Metrics) Retried(n int) {
	m.retried.Add(float64(n))
}

func (m *Metrics) DeadLettered(n int) {
	m.deadLettered.Add(float64(n))
}

func (m *Metrics) DeliverLatency(d time.Duration) {
	m.deliverLatency.Observe(d.Seconds())
}
