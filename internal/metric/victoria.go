package metric

import (
	"fmt"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

type victoriaMetrics struct {
	requestsTotal           *metrics.Counter
	attemptsTotal           *metrics.Counter
	attemptsDuration        *metrics.Summary
	circuitRejectionsTotal  *metrics.Counter
	requestsInFlight        *metrics.Gauge
	failedAttemptsTotal     map[string]*metrics.Counter
	circuitTransitionsTotal map[string]*metrics.Counter
}

func NewVictoria() Metrics {
	failKinds := []string{"network", "timeout", "canceled", "bad_status", "body_read", "internal"}
	failed := make(map[string]*metrics.Counter, len(failKinds))
	for _, kind := range failKinds {
		failed[kind] = metrics.GetOrCreateCounter(fmt.Sprintf(`ganko_failed_attempts_total{kind=%q}`, kind))
	}

	states := []string{"open", "closed", "half_open"}
	transitions := make(map[string]*metrics.Counter, len(states))
	for _, state := range states {
		transitions[state] = metrics.GetOrCreateCounter(fmt.Sprintf(`ganko_circuit_transitions_total{state=%q}`, state))
	}

	m := &victoriaMetrics{
		requestsTotal:           metrics.GetOrCreateCounter("ganko_requests_total"),
		attemptsTotal:           metrics.GetOrCreateCounter("ganko_attempts_total"),
		attemptsDuration:        metrics.GetOrCreateSummary("ganko_attempt_duration_seconds"),
		circuitRejectionsTotal:  metrics.GetOrCreateCounter("ganko_circuit_rejections_total"),
		failedAttemptsTotal:     failed,
		circuitTransitionsTotal: transitions,
	}

	m.requestsInFlight = metrics.GetOrCreateGauge("ganko_requests_in_flight", nil)

	return m
}

func (m *victoriaMetrics) IncRequestsTotal() {
	m.requestsTotal.Inc()
}

func (m *victoriaMetrics) IncAttemptsTotal() {
	m.attemptsTotal.Inc()
}

func (m *victoriaMetrics) IncFailedAttemptsTotal(kind string) {
	if c, ok := m.failedAttemptsTotal[kind]; ok {
		c.Inc()
	}
}

func (m *victoriaMetrics) IncCircuitRejectionsTotal() {
	m.circuitRejectionsTotal.Inc()
}

func (m *victoriaMetrics) IncCircuitTransitionsTotal(state string) {
	if c, ok := m.circuitTransitionsTotal[state]; ok {
		c.Inc()
	}
}

func (m *victoriaMetrics) UpdateAttemptDuration(start time.Time) {
	m.attemptsDuration.UpdateDuration(start)
}

func (m *victoriaMetrics) IncRequestsInFlight() {
	m.requestsInFlight.Inc()
}

func (m *victoriaMetrics) DecRequestsInFlight() {
	m.requestsInFlight.Dec()
}
