package ganko

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the per-endpoint breaker state.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker fast-fails requests to endpoints whose recent failure rate
// crossed the configured thresholds. One state machine per EndpointKey.
type CircuitBreaker struct {
	cfg BreakerConfig
	log *zap.Logger

	// now is swappable for deterministic transition tests.
	now func() time.Time

	mu       sync.Mutex
	circuits map[EndpointKey]*circuit
}

type circuit struct {
	state CircuitState

	// Current monitoring window.
	windowStart time.Time
	failures    int
	successes   int

	openedAt         time.Time
	lastTransition   time.Time
	halfOpenAttempts int

	// Lifetime accounting since the last reset.
	totalRequests int64
	totalFailures int64
	openCount     int64
	recoveries    int64
	downtime      time.Duration

	latencies []time.Duration
}

// CircuitStats is the read-only view of one endpoint's circuit.
type CircuitStats struct {
	Endpoint       EndpointKey
	State          CircuitState
	Failures       int
	Successes      int
	TotalRequests  int64
	TotalFailures  int64
	OpenCount      int64
	LastTransition time.Time
}

// CircuitMetrics is derived from the stored history.
type CircuitMetrics struct {
	AvailabilityPercentage float64
	ResponseTimeP95        time.Duration
	MeanTimeToRecovery     time.Duration
}

const latencyHistorySize = 100

func NewCircuitBreaker(cfg BreakerConfig, log *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg.withDefaults(),
		log:      log,
		now:      time.Now,
		circuits: make(map[EndpointKey]*circuit),
	}
}

func (cb *CircuitBreaker) circuitFor(key EndpointKey) *circuit {
	c, ok := cb.circuits[key]
	if !ok {
		c = &circuit{windowStart: cb.now()}
		cb.circuits[key] = c
	}

	return c
}

// Allow decides whether a request to the endpoint may proceed. It returns a
// *CircuitOpenError when the circuit rejects the request, nil otherwise.
// An open circuit whose reset timeout has elapsed transitions to half-open
// and admits the caller as a trial.
func (cb *CircuitBreaker) Allow(key EndpointKey) error {
	cb.mu.Lock()
	fire, err := cb.allowLocked(key)
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}

	return err
}

func (cb *CircuitBreaker) allowLocked(key EndpointKey) (func(), error) {
	c := cb.circuitFor(key)
	now := cb.now()

	switch c.state {
	case StateClosed:
		return nil, nil

	case StateOpen:
		elapsed := now.Sub(c.openedAt)
		if elapsed < cb.cfg.ResetTimeout {
			return nil, &CircuitOpenError{
				Endpoint:   key,
				Since:      c.openedAt,
				RetryAfter: cb.cfg.ResetTimeout - elapsed,
			}
		}

		fire := cb.transition(key, c, StateHalfOpen)
		c.halfOpenAttempts = 1

		return fire, nil

	default: // StateHalfOpen
		if c.halfOpenAttempts >= cb.cfg.HalfOpenMaxAttempts {
			return nil, &CircuitOpenError{
				Endpoint:   key,
				Since:      c.openedAt,
				RetryAfter: cb.cfg.ResetTimeout,
			}
		}

		c.halfOpenAttempts++

		return nil, nil
	}
}

// Record feeds one completed attempt into the endpoint's circuit. Successful
// responses slower than the response-time threshold count as failures when
// configured to.
func (cb *CircuitBreaker) Record(key EndpointKey, success bool, elapsed time.Duration) {
	if success && cb.cfg.CountSlowAsFailure && cb.cfg.ResponseTimeThreshold > 0 && elapsed > cb.cfg.ResponseTimeThreshold {
		success = false
	}

	cb.mu.Lock()
	fire := cb.recordLocked(key, success, elapsed)
	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

func (cb *CircuitBreaker) recordLocked(key EndpointKey, success bool, elapsed time.Duration) func() {
	c := cb.circuitFor(key)
	now := cb.now()

	c.totalRequests++
	if !success {
		c.totalFailures++
	}

	c.latencies = append(c.latencies, elapsed)
	if len(c.latencies) > latencyHistorySize {
		c.latencies = c.latencies[1:]
	}

	switch c.state {
	case StateHalfOpen:
		if success {
			fire := cb.transition(key, c, StateClosed)
			c.recoveries++
			c.downtime += now.Sub(c.openedAt)
			c.failures = 0
			c.successes = 0
			c.windowStart = now

			return fire
		}

		fire := cb.transition(key, c, StateOpen)
		c.openedAt = now
		c.openCount++

		return fire

	case StateClosed:
		if cb.cfg.MonitoringWindow > 0 && now.Sub(c.windowStart) > cb.cfg.MonitoringWindow {
			c.windowStart = now
			c.failures = 0
			c.successes = 0
		}

		if success {
			c.successes++
		} else {
			c.failures++
		}

		if cb.shouldOpen(c) {
			fire := cb.transition(key, c, StateOpen)
			c.openedAt = now
			c.openCount++

			return fire
		}

	case StateOpen:
		// Late completion from before the circuit opened. Counted in the
		// lifetime totals above, no state change.
	}

	return nil
}

func (cb *CircuitBreaker) shouldOpen(c *circuit) bool {
	if c.failures >= cb.cfg.FailureThreshold && cb.cfg.FailureThreshold > 0 {
		return true
	}

	total := c.failures + c.successes
	if cb.cfg.RequestVolumeThreshold > 0 && total >= cb.cfg.RequestVolumeThreshold {
		pct := float64(c.failures) / float64(total) * 100
		if pct >= cb.cfg.FailureThresholdPercentage {
			return true
		}
	}

	return false
}

// transition moves the circuit to the new state. Callers hold the mutex; the
// returned closure fires the matching hook and must be invoked after
// unlocking, so hooks may call back into the breaker.
func (cb *CircuitBreaker) transition(key EndpointKey, c *circuit, to CircuitState) func() {
	from := c.state
	c.state = to
	c.lastTransition = cb.now()

	cb.log.Info("circuit transition",
		zap.String("endpoint", key.String()),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)

	var hook func(EndpointKey)
	switch to {
	case StateOpen:
		hook = cb.cfg.OnOpen
	case StateClosed:
		hook = cb.cfg.OnClose
	case StateHalfOpen:
		hook = cb.cfg.OnHalfOpen
	}

	if hook == nil {
		return nil
	}

	return func() {
		// A misbehaving hook must not affect circuit state.
		defer func() {
			if r := recover(); r != nil {
				cb.log.Error("circuit hook panicked", zap.Any("panic", r))
			}
		}()

		hook(key)
	}
}

// ForceOpen trips the circuit regardless of statistics. The normal reset
// timeout applies afterwards, so the circuit probes half-open as usual.
func (cb *CircuitBreaker) ForceOpen(key EndpointKey) {
	cb.mu.Lock()

	c := cb.circuitFor(key)
	if c.state == StateOpen {
		cb.mu.Unlock()
		return
	}

	fire := cb.transition(key, c, StateOpen)
	c.openedAt = cb.now()
	c.openCount++

	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// ForceClose closes the circuit and resumes normal statistic accumulation
// from a fresh window.
func (cb *CircuitBreaker) ForceClose(key EndpointKey) {
	cb.mu.Lock()

	c := cb.circuitFor(key)
	if c.state == StateClosed {
		cb.mu.Unlock()
		return
	}

	fire := cb.transition(key, c, StateClosed)
	c.failures = 0
	c.successes = 0
	c.halfOpenAttempts = 0
	c.windowStart = cb.now()

	cb.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// State reports the endpoint's current circuit state.
func (cb *CircuitBreaker) State(key EndpointKey) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		return StateClosed
	}

	return c.state
}

// Stats returns per-endpoint circuit statistics for every known endpoint.
func (cb *CircuitBreaker) Stats() map[EndpointKey]CircuitStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[EndpointKey]CircuitStats, len(cb.circuits))
	for key, c := range cb.circuits {
		out[key] = cb.statsLocked(key, c)
	}

	return out
}

// StatsFor returns one endpoint's circuit statistics.
func (cb *CircuitBreaker) StatsFor(key EndpointKey) (CircuitStats, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		return CircuitStats{}, false
	}

	return cb.statsLocked(key, c), true
}

func (cb *CircuitBreaker) statsLocked(key EndpointKey, c *circuit) CircuitStats {
	return CircuitStats{
		Endpoint:       key,
		State:          c.state,
		Failures:       c.failures,
		Successes:      c.successes,
		TotalRequests:  c.totalRequests,
		TotalFailures:  c.totalFailures,
		OpenCount:      c.openCount,
		LastTransition: c.lastTransition,
	}
}

// Metrics derives availability, latency P95 and mean time to recovery from
// the stored history of one endpoint.
func (cb *CircuitBreaker) Metrics(key EndpointKey) CircuitMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	c, ok := cb.circuits[key]
	if !ok {
		return CircuitMetrics{AvailabilityPercentage: 100}
	}

	m := CircuitMetrics{AvailabilityPercentage: 100}

	if c.totalRequests > 0 {
		m.AvailabilityPercentage = float64(c.totalRequests-c.totalFailures) / float64(c.totalRequests) * 100
	}

	if len(c.latencies) > 0 {
		sorted := make([]time.Duration, len(c.latencies))
		copy(sorted, c.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		m.ResponseTimeP95 = percentile(sorted, 0.95)
	}

	if c.recoveries > 0 {
		m.MeanTimeToRecovery = c.downtime / time.Duration(c.recoveries)
	}

	return m
}

// Reset drops every circuit. Subsequent behavior matches a freshly
// constructed breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.circuits = make(map[EndpointKey]*circuit)
}
