package ganko

import (
	"net/http"
	"time"
)

// RetryConditionMode controls how a custom retry condition combines with the
// built-in failure classification.
type RetryConditionMode string

const (
	// ConditionModeAnd retries only when both the built-in classification
	// and the custom condition agree.
	ConditionModeAnd RetryConditionMode = "and"
	// ConditionModeOr retries when either agrees.
	ConditionModeOr RetryConditionMode = "or"
	// ConditionModeOverride ignores the built-in classification entirely.
	ConditionModeOverride RetryConditionMode = "override"
)

// RetryAttempt describes one scheduled retry, passed to the OnRetry hook.
type RetryAttempt struct {
	RequestID string
	Endpoint  EndpointKey
	Attempt   int           // 1-based number of the attempt that just failed.
	Delay     time.Duration // Backoff before the next attempt.
	Err       error
}

// RetryConfig specifies retry behavior for a request. Zero-valued numeric,
// duration and slice fields fall back to DefaultRetryConfig values; boolean
// fields are taken verbatim, so start from DefaultRetryConfig and adjust.
type RetryConfig struct {
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	BackoffMultiplier   float64
	EnableJitter        bool
	JitterFactor        float64
	RetryOnNetworkError bool
	RetryOnTimeout      bool
	RetryOnStatusCodes  []int

	// Condition, when set, participates in the retry decision according to
	// ConditionMode.
	Condition     func(err error, attempt int) bool
	ConditionMode RetryConditionMode

	OnRetry              func(RetryAttempt)
	OnMaxAttemptsReached func(requestID string, endpoint EndpointKey, attempts int, lastErr error)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:         3,
		BaseDelay:           time.Second,
		MaxDelay:            30 * time.Second,
		BackoffMultiplier:   2,
		EnableJitter:        true,
		JitterFactor:        0.1,
		RetryOnNetworkError: true,
		RetryOnTimeout:      true,
		RetryOnStatusCodes: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
		ConditionMode: ConditionModeAnd,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	def := DefaultRetryConfig()

	if c.MaxAttempts == 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = def.MaxDelay
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.JitterFactor == 0 {
		c.JitterFactor = def.JitterFactor
	}
	if c.RetryOnStatusCodes == nil {
		c.RetryOnStatusCodes = def.RetryOnStatusCodes
	}
	if c.ConditionMode == "" {
		c.ConditionMode = def.ConditionMode
	}

	return c
}

// BreakerConfig specifies the per-endpoint circuit breaker thresholds.
// Zero-valued fields fall back to DefaultBreakerConfig values; boolean
// fields are taken verbatim.
type BreakerConfig struct {
	FailureThreshold           int
	FailureThresholdPercentage float64
	RequestVolumeThreshold     int
	ResetTimeout               time.Duration
	HalfOpenMaxAttempts        int
	MonitoringWindow           time.Duration

	// Successful responses slower than ResponseTimeThreshold count as
	// failures when CountSlowAsFailure is set.
	ResponseTimeThreshold time.Duration
	CountSlowAsFailure    bool

	// Transition hooks run after the breaker releases its lock, so they may
	// call back into it. A panicking hook never affects circuit state.
	OnOpen     func(endpoint EndpointKey)
	OnClose    func(endpoint EndpointKey)
	OnHalfOpen func(endpoint EndpointKey)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:           5,
		FailureThresholdPercentage: 50,
		RequestVolumeThreshold:     10,
		ResetTimeout:               60 * time.Second,
		HalfOpenMaxAttempts:        3,
		MonitoringWindow:           60 * time.Second,
		ResponseTimeThreshold:      5 * time.Second,
		CountSlowAsFailure:         true,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()

	if c.FailureThreshold == 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.FailureThresholdPercentage == 0 {
		c.FailureThresholdPercentage = def.FailureThresholdPercentage
	}
	if c.RequestVolumeThreshold == 0 {
		c.RequestVolumeThreshold = def.RequestVolumeThreshold
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.HalfOpenMaxAttempts == 0 {
		c.HalfOpenMaxAttempts = def.HalfOpenMaxAttempts
	}
	if c.MonitoringWindow == 0 {
		c.MonitoringWindow = def.MonitoringWindow
	}
	if c.ResponseTimeThreshold == 0 {
		c.ResponseTimeThreshold = def.ResponseTimeThreshold
	}

	return c
}

// TimeoutPattern assigns a base timeout and multiplier to endpoints whose
// path contains Match. Patterns are checked in registration order, first
// match wins.
type TimeoutPattern struct {
	Name        string
	Match       string
	BaseTimeout time.Duration
	Multiplier  float64
}

// TimeoutConfig specifies the adaptive timeout policy. Zero-valued fields
// fall back to DefaultTimeoutConfig values; EnableLearning is taken
// verbatim.
type TimeoutConfig struct {
	BaseTimeout         time.Duration
	MinTimeout          time.Duration
	MaxTimeout          time.Duration
	TimeoutMultiplier   float64
	MinSamples          int
	ConfidenceThreshold float64
	SampleWindowSize    int
	EnableLearning      bool
	Patterns            []TimeoutPattern
}

func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		BaseTimeout:         30 * time.Second,
		MinTimeout:          time.Second,
		MaxTimeout:          2 * time.Minute,
		TimeoutMultiplier:   2.5,
		MinSamples:          10,
		ConfidenceThreshold: 0.8,
		SampleWindowSize:    100,
		EnableLearning:      true,
	}
}

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	def := DefaultTimeoutConfig()

	if c.BaseTimeout == 0 {
		c.BaseTimeout = def.BaseTimeout
	}
	if c.MinTimeout == 0 {
		c.MinTimeout = def.MinTimeout
	}
	if c.MaxTimeout == 0 {
		c.MaxTimeout = def.MaxTimeout
	}
	if c.TimeoutMultiplier == 0 {
		c.TimeoutMultiplier = def.TimeoutMultiplier
	}
	if c.MinSamples == 0 {
		c.MinSamples = def.MinSamples
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.SampleWindowSize == 0 {
		c.SampleWindowSize = def.SampleWindowSize
	}

	return c
}

// PoolConfig specifies per-origin transport pooling parameters. Zero-valued
// limits fall back to DefaultPoolConfig values, except MaxConnsPerHost where
// zero keeps the transport's unlimited default; boolean fields are taken
// verbatim.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration
	KeepAlive           time.Duration
	ForceHTTP2          bool
	DisableKeepAlives   bool
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		KeepAlive:           30 * time.Second,
		ForceHTTP2:          true,
	}
}

func (c PoolConfig) withDefaults() PoolConfig {
	def := DefaultPoolConfig()

	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = def.MaxIdleConns
	}
	if c.MaxIdleConnsPerHost == 0 {
		c.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = def.IdleConnTimeout
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = def.KeepAlive
	}

	return c
}

// RateLimitConfig throttles outgoing request submission client-side.
type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

// ExecutorConfig is the merged policy set owned by an Executor. Zero-valued
// fields of every section fall back to the Default*Config values, so the
// zero ExecutorConfig is usable as-is.
type ExecutorConfig struct {
	Retry   RetryConfig
	Breaker BreakerConfig
	Timeout TimeoutConfig
	Pool    PoolConfig

	// FailureStatuses lists HTTP statuses below 500 treated as failed
	// attempts. All 5xx statuses are always failures; everything else is
	// returned to the caller as-is.
	FailureStatuses []int

	MaxResponseBodySize int64
	RateLimit           RateLimitConfig
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry:   DefaultRetryConfig(),
		Breaker: DefaultBreakerConfig(),
		Timeout: DefaultTimeoutConfig(),
		Pool:    DefaultPoolConfig(),
		FailureStatuses: []int{
			http.StatusRequestTimeout,
			http.StatusTooManyRequests,
		},
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	c.Retry = c.Retry.withDefaults()
	c.Breaker = c.Breaker.withDefaults()
	c.Timeout = c.Timeout.withDefaults()
	c.Pool = c.Pool.withDefaults()

	if c.FailureStatuses == nil {
		c.FailureStatuses = DefaultExecutorConfig().FailureStatuses
	}

	return c
}

func (c ExecutorConfig) isFailureStatus(status int) bool {
	if status >= http.StatusInternalServerError {
		return true
	}

	for _, s := range c.FailureStatuses {
		if s == status {
			return true
		}
	}

	return false
}
