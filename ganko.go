// Package ganko is the policy layer that decides, for a single outgoing HTTP
// request, whether and when to attempt it, how long to wait, and how to reuse
// network resources across attempts. It composes a connection pool, an
// adaptive timeout policy, a per-endpoint circuit breaker and a retry policy
// behind one Executor.
package ganko

import (
	"context"
	"crypto/rand"
	"math"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xff16/ganko/internal/metric"
)

// Executor orchestrates the policy pipeline for outgoing requests: circuit
// check, pooled connection, computed timeout, transport attempt, retry. It is
// meant to be constructed once at startup and shared for the process
// lifetime; it owns the orchestration while each policy component owns its
// per-endpoint statistics.
type Executor struct {
	cfg ExecutorConfig

	pool     *ConnectionPool
	timeouts *TimeoutPolicy
	breaker  *CircuitBreaker
	retrier  *Retrier
	limiter  *rate.Limiter

	metrics metric.Metrics
	log     *zap.Logger
}

// ExecutorStats bundles the read-only snapshots of every policy component.
type ExecutorStats struct {
	Retry    RetryStats
	Circuits map[EndpointKey]CircuitStats
	Pool     PoolStats
}

func NewExecutor(cfg ExecutorConfig, metrics metric.Metrics, log *zap.Logger) *Executor {
	cfg = cfg.withDefaults()

	if metrics == nil {
		metrics = metric.NewNop()
	}

	// Count transitions before handing off to any user hook.
	cfg.Breaker.OnOpen = chainHook(cfg.Breaker.OnOpen, func(EndpointKey) {
		metrics.IncCircuitTransitionsTotal(StateOpen.String())
	})
	cfg.Breaker.OnClose = chainHook(cfg.Breaker.OnClose, func(EndpointKey) {
		metrics.IncCircuitTransitionsTotal(StateClosed.String())
	})
	cfg.Breaker.OnHalfOpen = chainHook(cfg.Breaker.OnHalfOpen, func(EndpointKey) {
		metrics.IncCircuitTransitionsTotal(StateHalfOpen.String())
	})

	breaker := NewCircuitBreaker(cfg.Breaker, log.Named("breaker"))

	e := &Executor{
		cfg:      cfg,
		pool:     NewConnectionPool(cfg.Pool, log.Named("pool")),
		timeouts: NewTimeoutPolicy(cfg.Timeout, log.Named("timeout")),
		breaker:  breaker,
		retrier:  NewRetrier(breaker, log.Named("retry")),
		metrics:  metrics,
		log:      log,
	}

	if cfg.RateLimit.Enabled && cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst < 1 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}

	return e
}

// Execute runs the logical request under the executor's policies and returns
// the eventual success response or the final error: a *CircuitOpenError when
// the endpoint's circuit rejects it, an *ExhaustedRetriesError on persistent
// failure, or the terminal *RequestError for non-retryable outcomes.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Response, error) {
	requestID := newRequestID()
	key := NormalizeEndpoint(req.Method, req.URL)
	origin := Origin(req.URL)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &RequestError{Kind: ErrKindCanceled, Err: err}
		}
	}

	e.metrics.IncRequestsTotal()
	e.metrics.IncRequestsInFlight()
	defer e.metrics.DecRequestsInFlight()

	retryCfg := e.retryConfigFor(req)
	client := e.pool.ClientFor(origin)

	var final *Response

	err := e.retrier.Do(ctx, requestID, key, retryCfg, func(attempt int) error {
		timeout := req.Timeout
		if timeout == 0 {
			timeout = e.timeouts.Timeout(req.Method, req.URL)
		}

		e.pool.RecordStart(origin)
		e.metrics.IncAttemptsTotal()

		start := time.Now()
		result := doAttempt(ctx, client, req, timeout, e.cfg.MaxResponseBodySize, e.cfg.isFailureStatus)

		// Each completed attempt feeds every policy component exactly once.
		e.pool.RecordCompletion(origin, result.reused, result.proto)
		e.timeouts.RecordOutcome(req.Method, req.URL, result.elapsed, result.timedOut())
		e.breaker.Record(key, result.err == nil, result.elapsed)
		e.metrics.UpdateAttemptDuration(start)

		if result.err != nil {
			e.metrics.IncFailedAttemptsTotal(string(result.err.Kind))

			e.log.Debug("attempt failed",
				zap.String("request_id", requestID),
				zap.String("endpoint", key.String()),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", result.elapsed),
				zap.Error(result.err),
			)

			return result.err
		}

		final = result.response
		final.Attempts = attempt
		final.RequestID = requestID

		return nil
	})
	if err != nil {
		if isCircuitOpen(err) {
			e.metrics.IncCircuitRejectionsTotal()
		}

		return nil, err
	}

	return final, nil
}

// retryConfigFor merges per-request overrides over the executor defaults.
func (e *Executor) retryConfigFor(req *Request) RetryConfig {
	cfg := e.cfg.Retry

	if req.Retry == nil {
		return cfg
	}

	o := req.Retry

	if o.MaxAttempts > 0 {
		cfg.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay > 0 {
		cfg.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		cfg.MaxDelay = o.MaxDelay
	}
	if o.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.JitterFactor > 0 {
		cfg.JitterFactor = o.JitterFactor
	}
	if len(o.RetryOnStatusCodes) > 0 {
		cfg.RetryOnStatusCodes = o.RetryOnStatusCodes
	}
	if o.Condition != nil {
		cfg.Condition = o.Condition
	}
	if o.ConditionMode != "" {
		cfg.ConditionMode = o.ConditionMode
	}
	if o.OnRetry != nil {
		cfg.OnRetry = o.OnRetry
	}
	if o.OnMaxAttemptsReached != nil {
		cfg.OnMaxAttemptsReached = o.OnMaxAttemptsReached
	}

	cfg.EnableJitter = o.EnableJitter
	cfg.RetryOnNetworkError = o.RetryOnNetworkError
	cfg.RetryOnTimeout = o.RetryOnTimeout

	return cfg
}

// Stats returns the combined read-only snapshot of all policy components.
func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Retry:    e.retrier.Stats(),
		Circuits: e.breaker.Stats(),
		Pool:     e.pool.Stats(),
	}
}

// ResetStats zeroes every component's observability state. Live sockets and
// static configuration survive.
func (e *Executor) ResetStats() {
	e.retrier.Reset()
	e.breaker.Reset()
	e.timeouts.Reset()
	e.pool.Reset()
}

// Breaker exposes the circuit breaker for operational control (force open,
// force close, per-endpoint metrics).
func (e *Executor) Breaker() *CircuitBreaker {
	return e.breaker
}

// Timeouts exposes the timeout policy for overrides, custom patterns and
// recommendations.
func (e *Executor) Timeouts() *TimeoutPolicy {
	return e.timeouts
}

// Retrier exposes the retry policy statistics and recommendations.
func (e *Executor) Retrier() *Retrier {
	return e.retrier
}

// Pool exposes the connection pool utilization snapshot.
func (e *Executor) Pool() *ConnectionPool {
	return e.pool
}

func chainHook(user func(EndpointKey), always func(EndpointKey)) func(EndpointKey) {
	if user == nil {
		return always
	}

	return func(key EndpointKey) {
		always(key)
		user(key)
	}
}

func newRequestID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.Reader, math.MaxInt64)

	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
