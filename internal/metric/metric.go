package metric

import "time"

// Metrics is the observability surface of the request executor. Providers are
// selected by configuration; the nop provider keeps call sites unconditional.
type Metrics interface {
	IncRequestsTotal()
	IncAttemptsTotal()
	IncFailedAttemptsTotal(kind string)
	IncCircuitRejectionsTotal()
	IncCircuitTransitionsTotal(state string)
	UpdateAttemptDuration(start time.Time)
	IncRequestsInFlight()
	DecRequestsInFlight()
}

// New returns the provider matching the configured name. Unknown providers
// fall back to nop.
func New(provider string) Metrics {
	switch provider {
	case "victoria":
		return NewVictoria()
	case "prometheus":
		return NewPrometheus()
	default:
		return NewNop()
	}
}

type nopMetrics struct{}

func NewNop() Metrics { return nopMetrics{} }

func (nopMetrics) IncRequestsTotal()                      {}
func (nopMetrics) IncAttemptsTotal()                      {}
func (nopMetrics) IncFailedAttemptsTotal(string)          {}
func (nopMetrics) IncCircuitRejectionsTotal()             {}
func (nopMetrics) IncCircuitTransitionsTotal(string)      {}
func (nopMetrics) UpdateAttemptDuration(time.Time)        {}
func (nopMetrics) IncRequestsInFlight()                   {}
func (nopMetrics) DecRequestsInFlight()                   {}
