package ganko

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the file representation of an executor policy set. All fields
// are optional and merge over the built-in defaults; durations are
// milliseconds so JSON, YAML and TOML parse identically.
type Config struct {
	Schema  string `json:"schema" yaml:"schema" toml:"schema"`
	Name    string `json:"name" yaml:"name" toml:"name"`
	Version string `json:"version" yaml:"version" toml:"version"`
	Debug   bool   `json:"debug" yaml:"debug" toml:"debug"`

	Metrics MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy" toml:"policy"`
}

type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Provider string `json:"provider" yaml:"provider" toml:"provider" validate:"omitempty,oneof=victoria prometheus nop"`
	Port     int    `json:"port" yaml:"port" toml:"port" validate:"omitempty,min=1,max=65535"`
}

type PolicyConfig struct {
	Retry               RetryFileConfig     `json:"retry" yaml:"retry" toml:"retry"`
	CircuitBreaker      BreakerFileConfig   `json:"circuit_breaker" yaml:"circuit_breaker" toml:"circuit_breaker"`
	Timeout             TimeoutFileConfig   `json:"timeout" yaml:"timeout" toml:"timeout"`
	Pool                PoolFileConfig      `json:"pool" yaml:"pool" toml:"pool"`
	RateLimit           RateLimitFileConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
	FailureStatuses     []int               `json:"failure_statuses" yaml:"failure_statuses" toml:"failure_statuses" validate:"dive,min=100,max=599"`
	MaxResponseBodySize int64               `json:"max_response_body_size" yaml:"max_response_body_size" toml:"max_response_body_size" validate:"min=0"`
}

type RetryFileConfig struct {
	MaxAttempts         int     `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts" validate:"min=0"`
	BaseDelayMs         int     `json:"base_delay_ms" yaml:"base_delay_ms" toml:"base_delay_ms" validate:"min=0"`
	MaxDelayMs          int     `json:"max_delay_ms" yaml:"max_delay_ms" toml:"max_delay_ms" validate:"min=0"`
	BackoffMultiplier   float64 `json:"backoff_multiplier" yaml:"backoff_multiplier" toml:"backoff_multiplier" validate:"min=0"`
	EnableJitter        *bool   `json:"enable_jitter" yaml:"enable_jitter" toml:"enable_jitter"`
	JitterFactor        float64 `json:"jitter_factor" yaml:"jitter_factor" toml:"jitter_factor" validate:"min=0,max=1"`
	RetryOnNetworkError *bool   `json:"retry_on_network_error" yaml:"retry_on_network_error" toml:"retry_on_network_error"`
	RetryOnTimeout      *bool   `json:"retry_on_timeout" yaml:"retry_on_timeout" toml:"retry_on_timeout"`
	RetryOnStatusCodes  []int   `json:"retry_on_status_codes" yaml:"retry_on_status_codes" toml:"retry_on_status_codes" validate:"dive,min=100,max=599"`
	ConditionMode       string  `json:"condition_mode" yaml:"condition_mode" toml:"condition_mode" validate:"omitempty,oneof=and or override"`
}

type BreakerFileConfig struct {
	FailureThreshold           int     `json:"failure_threshold" yaml:"failure_threshold" toml:"failure_threshold" validate:"min=0"`
	FailureThresholdPercentage float64 `json:"failure_threshold_percentage" yaml:"failure_threshold_percentage" toml:"failure_threshold_percentage" validate:"min=0,max=100"`
	RequestVolumeThreshold     int     `json:"request_volume_threshold" yaml:"request_volume_threshold" toml:"request_volume_threshold" validate:"min=0"`
	ResetTimeoutMs             int     `json:"reset_timeout_ms" yaml:"reset_timeout_ms" toml:"reset_timeout_ms" validate:"min=0"`
	HalfOpenMaxAttempts        int     `json:"half_open_max_attempts" yaml:"half_open_max_attempts" toml:"half_open_max_attempts" validate:"min=0"`
	MonitoringWindowMs         int     `json:"monitoring_window_ms" yaml:"monitoring_window_ms" toml:"monitoring_window_ms" validate:"min=0"`
	ResponseTimeThresholdMs    int     `json:"response_time_threshold_ms" yaml:"response_time_threshold_ms" toml:"response_time_threshold_ms" validate:"min=0"`
	CountSlowAsFailure         *bool   `json:"count_slow_as_failure" yaml:"count_slow_as_failure" toml:"count_slow_as_failure"`
}

type TimeoutFileConfig struct {
	BaseTimeoutMs       int                    `json:"base_timeout_ms" yaml:"base_timeout_ms" toml:"base_timeout_ms" validate:"min=0"`
	MinTimeoutMs        int                    `json:"min_timeout_ms" yaml:"min_timeout_ms" toml:"min_timeout_ms" validate:"min=0"`
	MaxTimeoutMs        int                    `json:"max_timeout_ms" yaml:"max_timeout_ms" toml:"max_timeout_ms" validate:"min=0"`
	TimeoutMultiplier   float64                `json:"timeout_multiplier" yaml:"timeout_multiplier" toml:"timeout_multiplier" validate:"min=0"`
	MinSamples          int                    `json:"min_samples" yaml:"min_samples" toml:"min_samples" validate:"min=0"`
	ConfidenceThreshold float64                `json:"confidence_threshold" yaml:"confidence_threshold" toml:"confidence_threshold" validate:"min=0,max=1"`
	SampleWindowSize    int                    `json:"sample_window_size" yaml:"sample_window_size" toml:"sample_window_size" validate:"min=0"`
	EnableLearning      *bool                  `json:"enable_learning" yaml:"enable_learning" toml:"enable_learning"`
	Patterns            []TimeoutPatternConfig `json:"patterns" yaml:"patterns" toml:"patterns"`
}

type TimeoutPatternConfig struct {
	Name          string  `json:"name" yaml:"name" toml:"name"`
	Match         string  `json:"match" yaml:"match" toml:"match"`
	BaseTimeoutMs int     `json:"base_timeout_ms" yaml:"base_timeout_ms" toml:"base_timeout_ms" validate:"min=0"`
	Multiplier    float64 `json:"multiplier" yaml:"multiplier" toml:"multiplier" validate:"min=0"`
}

type PoolFileConfig struct {
	MaxIdleConns        int   `json:"max_idle_conns" yaml:"max_idle_conns" toml:"max_idle_conns" validate:"min=0"`
	MaxIdleConnsPerHost int   `json:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host" toml:"max_idle_conns_per_host" validate:"min=0"`
	MaxConnsPerHost     int   `json:"max_conns_per_host" yaml:"max_conns_per_host" toml:"max_conns_per_host" validate:"min=0"`
	IdleConnTimeoutMs   int   `json:"idle_conn_timeout_ms" yaml:"idle_conn_timeout_ms" toml:"idle_conn_timeout_ms" validate:"min=0"`
	KeepAliveMs         int   `json:"keep_alive_ms" yaml:"keep_alive_ms" toml:"keep_alive_ms" validate:"min=0"`
	ForceHTTP2          *bool `json:"force_http2" yaml:"force_http2" toml:"force_http2"`
	DisableKeepAlives   bool  `json:"disable_keep_alives" yaml:"disable_keep_alives" toml:"disable_keep_alives"`
}

type RateLimitFileConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	RPS     float64 `json:"rps" yaml:"rps" toml:"rps" validate:"min=0"`
	Burst   int     `json:"burst" yaml:"burst" toml:"burst" validate:"min=0"`
}

// LoadConfig reads a policy config file; the format is chosen by extension.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".json":
		if err = json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse json: %w", err)
		}
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	case ".toml":
		if err = toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unknown config file extension %q", filepath.Ext(path))
	}

	return cfg, nil
}

// Validate checks structural constraints via struct tags plus the cross-field
// rules tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if err := validator.New().Struct(c); err != nil {
		errs = append(errs, err)
	}

	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	t := c.Policy.Timeout
	if t.MinTimeoutMs > 0 && t.MaxTimeoutMs > 0 && t.MinTimeoutMs > t.MaxTimeoutMs {
		errs = append(errs, errors.New("policy.timeout.min_timeout_ms must not exceed max_timeout_ms"))
	}

	r := c.Policy.Retry
	if r.BaseDelayMs > 0 && r.MaxDelayMs > 0 && r.BaseDelayMs > r.MaxDelayMs {
		errs = append(errs, errors.New("policy.retry.base_delay_ms must not exceed max_delay_ms"))
	}

	if c.Policy.RateLimit.Enabled && c.Policy.RateLimit.RPS <= 0 {
		errs = append(errs, errors.New("policy.rate_limit.rps must be > 0 when rate limiting is enabled"))
	}

	if c.Metrics.Enabled && c.Metrics.Provider == "" {
		errs = append(errs, errors.New("metrics.provider is required when metrics are enabled"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// ExecutorConfig resolves the file config over the built-in defaults.
func (c *Config) ExecutorConfig() ExecutorConfig {
	cfg := DefaultExecutorConfig()

	r := c.Policy.Retry
	if r.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = r.MaxAttempts
	}
	if r.BaseDelayMs > 0 {
		cfg.Retry.BaseDelay = time.Duration(r.BaseDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		cfg.Retry.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	if r.BackoffMultiplier > 0 {
		cfg.Retry.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.EnableJitter != nil {
		cfg.Retry.EnableJitter = *r.EnableJitter
	}
	if r.JitterFactor > 0 {
		cfg.Retry.JitterFactor = r.JitterFactor
	}
	if r.RetryOnNetworkError != nil {
		cfg.Retry.RetryOnNetworkError = *r.RetryOnNetworkError
	}
	if r.RetryOnTimeout != nil {
		cfg.Retry.RetryOnTimeout = *r.RetryOnTimeout
	}
	if len(r.RetryOnStatusCodes) > 0 {
		cfg.Retry.RetryOnStatusCodes = r.RetryOnStatusCodes
	}
	if r.ConditionMode != "" {
		cfg.Retry.ConditionMode = RetryConditionMode(r.ConditionMode)
	}

	b := c.Policy.CircuitBreaker
	if b.FailureThreshold > 0 {
		cfg.Breaker.FailureThreshold = b.FailureThreshold
	}
	if b.FailureThresholdPercentage > 0 {
		cfg.Breaker.FailureThresholdPercentage = b.FailureThresholdPercentage
	}
	if b.RequestVolumeThreshold > 0 {
		cfg.Breaker.RequestVolumeThreshold = b.RequestVolumeThreshold
	}
	if b.ResetTimeoutMs > 0 {
		cfg.Breaker.ResetTimeout = time.Duration(b.ResetTimeoutMs) * time.Millisecond
	}
	if b.HalfOpenMaxAttempts > 0 {
		cfg.Breaker.HalfOpenMaxAttempts = b.HalfOpenMaxAttempts
	}
	if b.MonitoringWindowMs > 0 {
		cfg.Breaker.MonitoringWindow = time.Duration(b.MonitoringWindowMs) * time.Millisecond
	}
	if b.ResponseTimeThresholdMs > 0 {
		cfg.Breaker.ResponseTimeThreshold = time.Duration(b.ResponseTimeThresholdMs) * time.Millisecond
	}
	if b.CountSlowAsFailure != nil {
		cfg.Breaker.CountSlowAsFailure = *b.CountSlowAsFailure
	}

	t := c.Policy.Timeout
	if t.BaseTimeoutMs > 0 {
		cfg.Timeout.BaseTimeout = time.Duration(t.BaseTimeoutMs) * time.Millisecond
	}
	if t.MinTimeoutMs > 0 {
		cfg.Timeout.MinTimeout = time.Duration(t.MinTimeoutMs) * time.Millisecond
	}
	if t.MaxTimeoutMs > 0 {
		cfg.Timeout.MaxTimeout = time.Duration(t.MaxTimeoutMs) * time.Millisecond
	}
	if t.TimeoutMultiplier > 0 {
		cfg.Timeout.TimeoutMultiplier = t.TimeoutMultiplier
	}
	if t.MinSamples > 0 {
		cfg.Timeout.MinSamples = t.MinSamples
	}
	if t.ConfidenceThreshold > 0 {
		cfg.Timeout.ConfidenceThreshold = t.ConfidenceThreshold
	}
	if t.SampleWindowSize > 0 {
		cfg.Timeout.SampleWindowSize = t.SampleWindowSize
	}
	if t.EnableLearning != nil {
		cfg.Timeout.EnableLearning = *t.EnableLearning
	}
	for _, p := range t.Patterns {
		cfg.Timeout.Patterns = append(cfg.Timeout.Patterns, TimeoutPattern{
			Name:        p.Name,
			Match:       p.Match,
			BaseTimeout: time.Duration(p.BaseTimeoutMs) * time.Millisecond,
			Multiplier:  p.Multiplier,
		})
	}

	p := c.Policy.Pool
	if p.MaxIdleConns > 0 {
		cfg.Pool.MaxIdleConns = p.MaxIdleConns
	}
	if p.MaxIdleConnsPerHost > 0 {
		cfg.Pool.MaxIdleConnsPerHost = p.MaxIdleConnsPerHost
	}
	if p.MaxConnsPerHost > 0 {
		cfg.Pool.MaxConnsPerHost = p.MaxConnsPerHost
	}
	if p.IdleConnTimeoutMs > 0 {
		cfg.Pool.IdleConnTimeout = time.Duration(p.IdleConnTimeoutMs) * time.Millisecond
	}
	if p.KeepAliveMs > 0 {
		cfg.Pool.KeepAlive = time.Duration(p.KeepAliveMs) * time.Millisecond
	}
	if p.ForceHTTP2 != nil {
		cfg.Pool.ForceHTTP2 = *p.ForceHTTP2
	}
	cfg.Pool.DisableKeepAlives = p.DisableKeepAlives

	if len(c.Policy.FailureStatuses) > 0 {
		cfg.FailureStatuses = c.Policy.FailureStatuses
	}
	cfg.MaxResponseBodySize = c.Policy.MaxResponseBodySize

	cfg.RateLimit = RateLimitConfig{
		Enabled: c.Policy.RateLimit.Enabled,
		RPS:     c.Policy.RateLimit.RPS,
		Burst:   c.Policy.RateLimit.Burst,
	}

	return cfg
}
