package ganko

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestTimeoutPolicy(cfg TimeoutConfig) *TimeoutPolicy {
	return NewTimeoutPolicy(cfg, zap.NewNop())
}

const searchURL = "https://api.example.com/v1/search"

func TestTimeoutPolicy_FallbackOrder(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	tp := newTestTimeoutPolicy(cfg)

	// No override, no pattern, no samples: exactly the base timeout.
	if got := tp.Timeout("GET", searchURL); got != cfg.BaseTimeout {
		t.Fatalf("empty policy: got %s, want base %s", got, cfg.BaseTimeout)
	}

	// A pattern beats the base timeout.
	tp.AddPattern(TimeoutPattern{Name: "search", Match: "/search", BaseTimeout: 10 * time.Second, Multiplier: 2})

	if got := tp.Timeout("GET", searchURL); got != 20*time.Second {
		t.Fatalf("pattern: got %s, want 20s", got)
	}

	// An override beats everything.
	tp.SetOverride("GET", searchURL, 3*time.Second)

	if got := tp.Timeout("GET", searchURL); got != 3*time.Second {
		t.Fatalf("override: got %s, want 3s", got)
	}
}

func TestTimeoutPolicy_ZeroConfigFallsBackToDefaults(t *testing.T) {
	tp := newTestTimeoutPolicy(TimeoutConfig{})

	def := DefaultTimeoutConfig()
	if got := tp.Timeout("GET", searchURL); got != def.BaseTimeout {
		t.Errorf("got %s, want default base %s", got, def.BaseTimeout)
	}

	// Recording must not blow up on an unset sample window.
	for i := 0; i < 150; i++ {
		tp.RecordOutcome("GET", searchURL, time.Second, false)
	}

	snap, ok := tp.Profile("GET", searchURL)
	if !ok {
		t.Fatal("missing profile")
	}
	if snap.Samples != def.SampleWindowSize {
		t.Errorf("window holds %d samples, want default %d", snap.Samples, def.SampleWindowSize)
	}
}

func TestTimeoutPolicy_PatternOrderDeterministic(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	cfg.Patterns = []TimeoutPattern{
		{Name: "search", Match: "/search", BaseTimeout: 10 * time.Second, Multiplier: 1},
		{Name: "api", Match: "/v1", BaseTimeout: 5 * time.Second, Multiplier: 1},
	}

	tp := newTestTimeoutPolicy(cfg)

	// Both patterns match; the first registered wins.
	if got := tp.Timeout("GET", searchURL); got != 10*time.Second {
		t.Errorf("got %s, want 10s from the first matching pattern", got)
	}
}

func TestTimeoutPolicy_AdaptiveConvergence(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	cfg.MinTimeout = 100 * time.Millisecond
	cfg.MaxTimeout = time.Minute

	tp := newTestTimeoutPolicy(cfg)

	// 100 samples: 95 at ~1s, the top 5 at 2s, so P95 lands at 2s.
	for i := 0; i < 95; i++ {
		tp.RecordOutcome("GET", searchURL, time.Second, false)
	}
	for i := 0; i < 5; i++ {
		tp.RecordOutcome("GET", searchURL, 2*time.Second, false)
	}

	got := tp.Timeout("GET", searchURL)
	want := 5 * time.Second // P95(2000ms) * 2.5

	tolerance := 500 * time.Millisecond
	if got < want-tolerance || got > want+tolerance {
		t.Errorf("learned timeout = %s, want ~%s", got, want)
	}
}

func TestTimeoutPolicy_InsufficientSamplesFallBack(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	cfg.MinSamples = 10

	tp := newTestTimeoutPolicy(cfg)

	for i := 0; i < 5; i++ {
		tp.RecordOutcome("GET", searchURL, 100*time.Millisecond, false)
	}

	if got := tp.Timeout("GET", searchURL); got != cfg.BaseTimeout {
		t.Errorf("got %s, want base %s with too few samples", got, cfg.BaseTimeout)
	}
}

func TestTimeoutPolicy_LearningDisabled(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	cfg.EnableLearning = false

	tp := newTestTimeoutPolicy(cfg)

	for i := 0; i < 100; i++ {
		tp.RecordOutcome("GET", searchURL, 50*time.Millisecond, false)
	}

	if got := tp.Timeout("GET", searchURL); got != cfg.BaseTimeout {
		t.Errorf("got %s, want base %s with learning disabled", got, cfg.BaseTimeout)
	}
}

func TestTimeoutPolicy_Clamping(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	cfg.MinTimeout = 2 * time.Second
	cfg.MaxTimeout = 4 * time.Second

	tp := newTestTimeoutPolicy(cfg)

	// Fast endpoint: learned P95*2.5 would be far below the floor.
	for i := 0; i < 50; i++ {
		tp.RecordOutcome("GET", "https://api.example.com/fast", 10*time.Millisecond, false)
	}
	if got := tp.Timeout("GET", "https://api.example.com/fast"); got != cfg.MinTimeout {
		t.Errorf("got %s, want clamped to floor %s", got, cfg.MinTimeout)
	}

	// Slow endpoint: learned timeout exceeds the ceiling.
	for i := 0; i < 50; i++ {
		tp.RecordOutcome("GET", "https://api.example.com/slow", 10*time.Second, false)
	}
	if got := tp.Timeout("GET", "https://api.example.com/slow"); got != cfg.MaxTimeout {
		t.Errorf("got %s, want clamped to ceiling %s", got, cfg.MaxTimeout)
	}
}

func TestTimeoutPolicy_ConfidenceGrowsWithSamples(t *testing.T) {
	tp := newTestTimeoutPolicy(DefaultTimeoutConfig())

	if _, ok := tp.Profile("GET", searchURL); ok {
		t.Fatal("profile exists before any samples")
	}

	tp.RecordOutcome("GET", searchURL, time.Second, false)

	snap, ok := tp.Profile("GET", searchURL)
	if !ok {
		t.Fatal("missing profile")
	}
	first := snap.Confidence

	for i := 0; i < 99; i++ {
		tp.RecordOutcome("GET", searchURL, time.Second, false)
	}

	snap, _ = tp.Profile("GET", searchURL)
	if snap.Confidence <= first {
		t.Errorf("confidence did not grow: %f -> %f", first, snap.Confidence)
	}
	if snap.Confidence < 0.8 {
		t.Errorf("confidence after 100 samples = %f, want >= 0.8", snap.Confidence)
	}
	if snap.Samples != 100 {
		t.Errorf("window holds %d samples, want 100", snap.Samples)
	}
}

func TestTimeoutPolicy_WindowEvictsOldest(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	cfg.SampleWindowSize = 10

	tp := newTestTimeoutPolicy(cfg)

	// Slow history fully displaced by fast samples.
	for i := 0; i < 10; i++ {
		tp.RecordOutcome("GET", searchURL, 10*time.Second, false)
	}
	for i := 0; i < 10; i++ {
		tp.RecordOutcome("GET", searchURL, 100*time.Millisecond, false)
	}

	snap, _ := tp.Profile("GET", searchURL)
	if snap.P95 > 200*time.Millisecond {
		t.Errorf("P95 = %s still reflects evicted samples", snap.P95)
	}
}

func TestTimeoutPolicy_RecommendsIncreaseOnTimeouts(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	tp := newTestTimeoutPolicy(cfg)

	// 10% of attempts time out.
	for i := 0; i < 90; i++ {
		tp.RecordOutcome("GET", searchURL, time.Second, false)
	}
	for i := 0; i < 10; i++ {
		tp.RecordOutcome("GET", searchURL, 30*time.Second, true)
	}

	recs := tp.Recommendations()
	if len(recs) != 1 {
		t.Fatalf("got %d recommendations, want 1", len(recs))
	}
	if recs[0].Action != ActionIncrease {
		t.Errorf("action = %s, want increase", recs[0].Action)
	}
	if recs[0].Confidence == 0 {
		t.Error("recommendation carries zero confidence")
	}
}

func TestTimeoutPolicy_RecommendsDecreaseWhenOversized(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	tp := newTestTimeoutPolicy(cfg)

	tp.SetOverride("GET", searchURL, 30*time.Second)

	for i := 0; i < 50; i++ {
		tp.RecordOutcome("GET", searchURL, 100*time.Millisecond, false)
	}

	recs := tp.Recommendations()
	if len(recs) != 1 {
		t.Fatalf("got %d recommendations, want 1", len(recs))
	}
	if recs[0].Action != ActionDecrease {
		t.Errorf("action = %s, want decrease", recs[0].Action)
	}
	if recs[0].Recommended >= 30*time.Second {
		t.Errorf("recommended %s is not a decrease", recs[0].Recommended)
	}
}

func TestTimeoutPolicy_ResetMatchesFreshInstance(t *testing.T) {
	cfg := DefaultTimeoutConfig()
	tp := newTestTimeoutPolicy(cfg)

	tp.SetOverride("GET", searchURL, time.Second)
	for i := 0; i < 50; i++ {
		tp.RecordOutcome("GET", searchURL, 100*time.Millisecond, false)
	}

	tp.Reset()

	if got := tp.Timeout("GET", searchURL); got != cfg.BaseTimeout {
		t.Errorf("after reset got %s, want base %s", got, cfg.BaseTimeout)
	}
	if _, ok := tp.Profile("GET", searchURL); ok {
		t.Error("profile survived reset")
	}
}
