package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type prometheusMetrics struct {
	requestsTotal           prometheus.Counter
	attemptsTotal           prometheus.Counter
	attemptsDuration        prometheus.Histogram
	circuitRejectionsTotal  prometheus.Counter
	requestsInFlight        prometheus.Gauge
	failedAttemptsTotal     *prometheus.CounterVec
	circuitTransitionsTotal *prometheus.CounterVec
}

func NewPrometheus() Metrics {
	m := &prometheusMetrics{
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ganko_requests_total",
			Help: "Total number of executed logical requests",
		}),
		attemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ganko_attempts_total",
			Help: "Total number of transport attempts including retries",
		}),
		attemptsDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ganko_attempt_duration_seconds",
			Help:    "Transport attempt duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		circuitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ganko_circuit_rejections_total",
			Help: "Requests rejected without a network call by an open circuit",
		}),
		requestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ganko_requests_in_flight",
			Help: "Current number of in-flight requests",
		}),
		failedAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ganko_failed_attempts_total",
				Help: "Total number of failed attempts by error kind",
			},
			[]string{"kind"},
		),
		circuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ganko_circuit_transitions_total",
				Help: "Circuit breaker transitions by target state",
			},
			[]string{"state"},
		),
	}

	prometheus.MustRegister(
		m.requestsTotal,
		m.attemptsTotal,
		m.attemptsDuration,
		m.circuitRejectionsTotal,
		m.requestsInFlight,
		m.failedAttemptsTotal,
		m.circuitTransitionsTotal,
	)

	return m
}

func (m *prometheusMetrics) IncRequestsTotal() {
	m.requestsTotal.Inc()
}

func (m *prometheusMetrics) IncAttemptsTotal() {
	m.attemptsTotal.Inc()
}

func (m *prometheusMetrics) IncFailedAttemptsTotal(kind string) {
	m.failedAttemptsTotal.WithLabelValues(kind).Inc()
}

func (m *prometheusMetrics) IncCircuitRejectionsTotal() {
	m.circuitRejectionsTotal.Inc()
}

func (m *prometheusMetrics) IncCircuitTransitionsTotal(state string) {
	m.circuitTransitionsTotal.WithLabelValues(state).Inc()
}

func (m *prometheusMetrics) UpdateAttemptDuration(start time.Time) {
	m.attemptsDuration.Observe(time.Since(start).Seconds())
}

func (m *prometheusMetrics) IncRequestsInFlight() {
	m.requestsInFlight.Inc()
}

func (m *prometheusMetrics) DecRequestsInFlight() {
	m.requestsInFlight.Dec()
}
