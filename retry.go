package ganko

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Retrier wraps attempt functions with bounded retry and exponential backoff
// plus jitter. It consults the circuit breaker before every attempt, not only
// the first, so a circuit opening mid-loop abandons the remaining budget.
type Retrier struct {
	breaker *CircuitBreaker // Read-only consultation; may be nil.
	log     *zap.Logger

	mu    sync.Mutex
	stats RetryStats
}

// RetryStats aggregates retry accounting across all requests.
type RetryStats struct {
	TotalRequests     int64
	TotalAttempts     int64
	RetriedRequests   int64
	SuccessAfterRetry int64
	ExhaustedRequests int64
	CircuitAborted    int64
}

func NewRetrier(breaker *CircuitBreaker, log *zap.Logger) *Retrier {
	return &Retrier{
		breaker: breaker,
		log:     log,
	}
}

// ShouldRetry reports whether a failed attempt is worth repeating under the
// given config. Circuit-open rejections are never retried.
func (r *Retrier) ShouldRetry(err error, attempt int, cfg RetryConfig) bool {
	cfg = cfg.withDefaults()

	if attempt >= cfg.MaxAttempts {
		return false
	}

	if isCircuitOpen(err) {
		return false
	}

	builtin := r.classifyRetryable(err, cfg)

	if cfg.Condition == nil {
		return builtin
	}

	custom := cfg.Condition(err, attempt)

	switch cfg.ConditionMode {
	case ConditionModeOverride:
		return custom
	case ConditionModeOr:
		return builtin || custom
	default:
		return builtin && custom
	}
}

func (r *Retrier) classifyRetryable(err error, cfg RetryConfig) bool {
	kind, ok := errorKind(err)
	if !ok {
		return false
	}

	switch kind {
	case ErrKindNetwork:
		return cfg.RetryOnNetworkError
	case ErrKindTimeout:
		return cfg.RetryOnTimeout
	case ErrKindBadStatus:
		rerr, ok := asRequestError(err)
		if !ok {
			return false
		}

		return slices.Contains(cfg.RetryOnStatusCodes, rerr.StatusCode)
	default:
		// Canceled, body-read and internal errors are terminal.
		return false
	}
}

// Delay computes the backoff before the attempt following attemptNumber:
// min(base * multiplier^(n-1), max), perturbed by jitter when enabled.
func (r *Retrier) Delay(attemptNumber int, cfg RetryConfig) time.Duration {
	cfg = cfg.withDefaults()

	backoff := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiplier, float64(attemptNumber-1))
	if capped := float64(cfg.MaxDelay); backoff > capped {
		backoff = capped
	}

	if cfg.EnableJitter && cfg.JitterFactor > 0 {
		// Random factor in [1-j, 1+j] to avoid synchronized retry storms.
		factor := 1 + cfg.JitterFactor*(2*rand.Float64()-1)
		backoff *= factor
	}

	return time.Duration(backoff)
}

// Do runs the attempt function under the retry policy. It returns nil on the
// first success, the original error for non-retryable failures, and an
// *ExhaustedRetriesError once the attempt budget is spent. Backoff waits
// honor ctx cancellation.
func (r *Retrier) Do(ctx context.Context, requestID string, key EndpointKey, cfg RetryConfig, attempt func(n int) error) error {
	cfg = cfg.withDefaults()

	r.mu.Lock()
	r.stats.TotalRequests++
	r.mu.Unlock()

	var lastErr error

	for n := 1; ; n++ {
		if r.breaker != nil {
			if err := r.breaker.Allow(key); err != nil {
				r.mu.Lock()
				r.stats.CircuitAborted++
				r.mu.Unlock()

				r.log.Debug("circuit rejected attempt",
					zap.String("request_id", requestID),
					zap.String("endpoint", key.String()),
					zap.Int("attempt", n),
				)

				return err
			}
		}

		r.mu.Lock()
		r.stats.TotalAttempts++
		r.mu.Unlock()

		lastErr = attempt(n)
		if lastErr == nil {
			if n > 1 {
				r.mu.Lock()
				r.stats.SuccessAfterRetry++
				r.mu.Unlock()
			}

			return nil
		}

		if !r.ShouldRetry(lastErr, n, cfg) {
			if n >= cfg.MaxAttempts {
				r.mu.Lock()
				r.stats.ExhaustedRequests++
				r.mu.Unlock()

				callHook(r.log, func() {
					if cfg.OnMaxAttemptsReached != nil {
						cfg.OnMaxAttemptsReached(requestID, key, n, lastErr)
					}
				})

				return &ExhaustedRetriesError{Endpoint: key, Attempts: n, LastErr: lastErr}
			}

			return lastErr
		}

		delay := r.Delay(n, cfg)

		if n == 1 {
			r.mu.Lock()
			r.stats.RetriedRequests++
			r.mu.Unlock()
		}

		callHook(r.log, func() {
			if cfg.OnRetry != nil {
				cfg.OnRetry(RetryAttempt{
					RequestID: requestID,
					Endpoint:  key,
					Attempt:   n,
					Delay:     delay,
					Err:       lastErr,
				})
			}
		})

		r.log.Debug("retrying request",
			zap.String("request_id", requestID),
			zap.String("endpoint", key.String()),
			zap.Int("attempt", n),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &RequestError{Kind: ErrKindCanceled, Err: ctx.Err()}
		}
	}
}

// Stats returns a snapshot of the retry accounting.
func (r *Retrier) Stats() RetryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stats
}

// Reset zeroes the retry accounting.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats = RetryStats{}
}

const (
	retryRateCeiling     = 0.3
	exhaustedRateCeiling = 0.5
)

// Recommendations surfaces actionable text when retry rates cross heuristic
// thresholds.
func (r *Retrier) Recommendations() []string {
	s := r.Stats()

	var recs []string

	if s.TotalRequests == 0 {
		return recs
	}

	if rate := float64(s.RetriedRequests) / float64(s.TotalRequests); rate > retryRateCeiling {
		recs = append(recs, fmt.Sprintf(
			"%.0f%% of requests needed a retry; the dependency looks unstable, consider raising timeouts or checking its health",
			rate*100,
		))
	}

	if s.RetriedRequests > 0 {
		if rate := float64(s.ExhaustedRequests) / float64(s.RetriedRequests); rate > exhaustedRateCeiling {
			recs = append(recs, fmt.Sprintf(
				"%.0f%% of retried requests still exhausted their budget; retrying is amplifying load without helping",
				rate*100,
			))
		}
	}

	if s.CircuitAborted > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d requests were abandoned by an open circuit; inspect the failing endpoints before tuning retries",
			s.CircuitAborted,
		))
	}

	return recs
}

// callHook runs a user hook, making sure a panicking hook never masks or
// replaces the real outcome.
func callHook(log *zap.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("retry hook panicked", zap.Any("panic", r))
		}
	}()

	fn()
}
