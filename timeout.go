package ganko

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeoutPolicy computes a context-aware timeout per request and learns from
// observed latencies. Resolution order is deterministic: explicit override,
// then first matching pattern, then learned profile, then the base timeout.
type TimeoutPolicy struct {
	cfg TimeoutConfig
	log *zap.Logger

	mu        sync.RWMutex
	overrides map[EndpointKey]time.Duration
	patterns  []TimeoutPattern
	profiles  map[EndpointKey]*timeoutProfile
}

type timeoutProfile struct {
	samples  []time.Duration
	timedOut []bool
	next     int
	filled   bool

	totalSamples  int64
	totalTimeouts int64

	p50, p95, p99 time.Duration
	confidence    float64
}

// ProfileSnapshot is the read-only view of one endpoint's latency profile.
type ProfileSnapshot struct {
	Endpoint    EndpointKey
	Samples     int
	P50         time.Duration
	P95         time.Duration
	P99         time.Duration
	Confidence  float64
	TimeoutRate float64
	Recommended time.Duration
}

// RecommendationAction says what to do with an endpoint's current timeout.
type RecommendationAction string

const (
	ActionIncrease RecommendationAction = "increase"
	ActionDecrease RecommendationAction = "decrease"
	ActionKeep     RecommendationAction = "keep"
)

type TimeoutRecommendation struct {
	Endpoint    EndpointKey
	Action      RecommendationAction
	Recommended time.Duration
	Confidence  float64
	Reason      string
}

func NewTimeoutPolicy(cfg TimeoutConfig, log *zap.Logger) *TimeoutPolicy {
	cfg = cfg.withDefaults()

	return &TimeoutPolicy{
		cfg:       cfg,
		log:       log,
		overrides: make(map[EndpointKey]time.Duration),
		patterns:  append([]TimeoutPattern(nil), cfg.Patterns...),
		profiles:  make(map[EndpointKey]*timeoutProfile),
	}
}

// SetOverride pins the timeout for one endpoint. Overrides win over patterns
// and learned profiles.
func (t *TimeoutPolicy) SetOverride(method, url string, d time.Duration) {
	key := NormalizeEndpoint(method, url)

	t.mu.Lock()
	t.overrides[key] = d
	t.mu.Unlock()

	t.log.Debug("timeout override set", zap.String("endpoint", key.String()), zap.Duration("timeout", d))
}

// AddPattern appends a custom endpoint pattern. Earlier patterns win.
func (t *TimeoutPolicy) AddPattern(p TimeoutPattern) {
	t.mu.Lock()
	t.patterns = append(t.patterns, p)
	t.mu.Unlock()
}

// Timeout resolves the effective timeout for a request.
func (t *TimeoutPolicy) Timeout(method, url string) time.Duration {
	key := NormalizeEndpoint(method, url)

	t.mu.RLock()
	defer t.mu.RUnlock()

	if d, ok := t.overrides[key]; ok {
		return d
	}

	for _, p := range t.patterns {
		if strings.Contains(key.URL, p.Match) {
			base := p.BaseTimeout
			if base == 0 {
				base = t.cfg.BaseTimeout
			}
			mult := p.Multiplier
			if mult == 0 {
				mult = 1
			}

			return t.clamp(time.Duration(float64(base) * mult))
		}
	}

	if t.cfg.EnableLearning {
		if prof, ok := t.profiles[key]; ok && prof.usable(t.cfg) {
			return t.clamp(time.Duration(float64(prof.p95) * t.cfg.TimeoutMultiplier))
		}
	}

	return t.cfg.BaseTimeout
}

func (prof *timeoutProfile) usable(cfg TimeoutConfig) bool {
	return prof.count() >= cfg.MinSamples && prof.confidence >= cfg.ConfidenceThreshold
}

func (prof *timeoutProfile) count() int {
	if prof.filled {
		return len(prof.samples)
	}

	return prof.next
}

// RecordOutcome appends a latency sample to the endpoint's rolling window,
// evicting the oldest, and recomputes percentiles and confidence.
func (t *TimeoutPolicy) RecordOutcome(method, url string, elapsed time.Duration, timedOut bool) {
	key := NormalizeEndpoint(method, url)

	t.mu.Lock()
	defer t.mu.Unlock()

	prof, ok := t.profiles[key]
	if !ok {
		prof = &timeoutProfile{
			samples:  make([]time.Duration, t.cfg.SampleWindowSize),
			timedOut: make([]bool, t.cfg.SampleWindowSize),
		}
		t.profiles[key] = prof
	}

	prof.samples[prof.next] = elapsed
	prof.timedOut[prof.next] = timedOut
	prof.next++
	if prof.next == len(prof.samples) {
		prof.next = 0
		prof.filled = true
	}

	prof.totalSamples++
	if timedOut {
		prof.totalTimeouts++
	}

	prof.recompute()
}

func (prof *timeoutProfile) recompute() {
	n := prof.count()
	if n == 0 {
		prof.confidence = 0
		return
	}

	sorted := make([]time.Duration, n)
	copy(sorted, prof.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	prof.p50 = percentile(sorted, 0.50)
	prof.p95 = percentile(sorted, 0.95)
	prof.p99 = percentile(sorted, 0.99)

	// Saturates toward 1 as the window fills.
	prof.confidence = float64(n) / float64(n+5)
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}

func (prof *timeoutProfile) timeoutRate() float64 {
	n := prof.count()
	if n == 0 {
		return 0
	}

	timeouts := 0
	for i := 0; i < n; i++ {
		if prof.timedOut[i] {
			timeouts++
		}
	}

	return float64(timeouts) / float64(n)
}

// Profile returns the learned snapshot for one endpoint.
func (t *TimeoutPolicy) Profile(method, url string) (ProfileSnapshot, bool) {
	key := NormalizeEndpoint(method, url)

	t.mu.RLock()
	defer t.mu.RUnlock()

	prof, ok := t.profiles[key]
	if !ok {
		return ProfileSnapshot{}, false
	}

	return t.snapshot(key, prof), true
}

func (t *TimeoutPolicy) snapshot(key EndpointKey, prof *timeoutProfile) ProfileSnapshot {
	return ProfileSnapshot{
		Endpoint:    key,
		Samples:     prof.count(),
		P50:         prof.p50,
		P95:         prof.p95,
		P99:         prof.p99,
		Confidence:  prof.confidence,
		TimeoutRate: prof.timeoutRate(),
		Recommended: t.clamp(time.Duration(float64(prof.p95) * t.cfg.TimeoutMultiplier)),
	}
}

const (
	// Observed timeout rate above which a larger timeout is recommended.
	timeoutRateCeiling = 0.05
	// A P95 this many times below the effective timeout recommends shrinking it.
	oversizedFactor = 4
)

// Recommendations compares each endpoint's effective timeout against its
// observed latency distribution and recent timeout rate.
func (t *TimeoutPolicy) Recommendations() []TimeoutRecommendation {
	t.mu.RLock()
	keys := make([]EndpointKey, 0, len(t.profiles))
	for key := range t.profiles {
		keys = append(keys, key)
	}
	t.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	recs := make([]TimeoutRecommendation, 0, len(keys))

	for _, key := range keys {
		current := t.Timeout(key.Method, key.URL)

		t.mu.RLock()
		prof := t.profiles[key]
		if prof == nil || prof.count() < t.cfg.MinSamples {
			t.mu.RUnlock()
			continue
		}

		rate := prof.timeoutRate()
		p95 := prof.p95
		p99 := prof.p99
		confidence := prof.confidence
		t.mu.RUnlock()

		rec := TimeoutRecommendation{
			Endpoint:    key,
			Action:      ActionKeep,
			Recommended: current,
			Confidence:  confidence,
			Reason:      "observed latency fits the current timeout",
		}

		switch {
		case rate > timeoutRateCeiling:
			rec.Action = ActionIncrease
			rec.Recommended = t.clamp(time.Duration(float64(p99) * t.cfg.TimeoutMultiplier))
			rec.Reason = fmt.Sprintf("timeout rate %.1f%% exceeds %.0f%%", rate*100, timeoutRateCeiling*100)
		case p95 > 0 && current > p95*oversizedFactor:
			rec.Action = ActionDecrease
			rec.Recommended = t.clamp(time.Duration(float64(p95) * t.cfg.TimeoutMultiplier))
			rec.Reason = fmt.Sprintf("P95 %s is far below the current timeout %s", p95, current)
		}

		recs = append(recs, rec)
	}

	return recs
}

// Reset drops all learned profiles and overrides. Patterns from the static
// configuration survive.
func (t *TimeoutPolicy) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.overrides = make(map[EndpointKey]time.Duration)
	t.profiles = make(map[EndpointKey]*timeoutProfile)
	t.patterns = append([]TimeoutPattern(nil), t.cfg.Patterns...)
}

func (t *TimeoutPolicy) clamp(d time.Duration) time.Duration {
	if t.cfg.MinTimeout > 0 && d < t.cfg.MinTimeout {
		return t.cfg.MinTimeout
	}
	if t.cfg.MaxTimeout > 0 && d > t.cfg.MaxTimeout {
		return t.cfg.MaxTimeout
	}

	return d
}
