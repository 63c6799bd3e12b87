package ganko

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

func TestCapabilityRegistry_AvailableProbe(t *testing.T) {
	reg := NewCapabilityRegistry(zap.NewNop())

	client := &struct{ addr string }{addr: "redis:6379"}
	reg.Register("cache", func() (any, error) { return client, nil })

	cap := reg.Lookup("cache")
	if !cap.Available() {
		t.Fatalf("capability unavailable: %s", cap.Reason)
	}
	if cap.Client != client {
		t.Error("lookup returned a different client")
	}
	if cap.Reason != "" {
		t.Errorf("reason = %q on an available capability", cap.Reason)
	}
}

func TestCapabilityRegistry_UnavailableProbe(t *testing.T) {
	reg := NewCapabilityRegistry(zap.NewNop())

	reg.Register("cache", func() (any, error) {
		return nil, errors.New("connection refused")
	})

	cap := reg.Lookup("cache")
	if cap.Available() {
		t.Fatal("capability available despite a failed probe")
	}
	if cap.Reason != "connection refused" {
		t.Errorf("reason = %q", cap.Reason)
	}
}

func TestCapabilityRegistry_ProbeRunsOnce(t *testing.T) {
	reg := NewCapabilityRegistry(zap.NewNop())

	calls := 0
	reg.Register("cache", func() (any, error) {
		calls++
		return nil, errors.New("still down")
	})

	reg.Lookup("cache")
	reg.Lookup("cache")
	reg.Lookup("cache")

	if calls != 1 {
		t.Errorf("probe ran %d times, want 1", calls)
	}
}

func TestCapabilityRegistry_ReRegisterForgetsCache(t *testing.T) {
	reg := NewCapabilityRegistry(zap.NewNop())

	reg.Register("cache", func() (any, error) { return nil, errors.New("down") })

	if reg.Lookup("cache").Available() {
		t.Fatal("first probe should fail")
	}

	reg.Register("cache", func() (any, error) { return "client", nil })

	cap := reg.Lookup("cache")
	if !cap.Available() {
		t.Errorf("re-registered probe not run: %s", cap.Reason)
	}
}

func TestCapabilityRegistry_UnknownName(t *testing.T) {
	reg := NewCapabilityRegistry(zap.NewNop())

	cap := reg.Lookup("telemetry")
	if cap.Available() {
		t.Fatal("unknown capability reported available")
	}
	if cap.Reason != "not registered" {
		t.Errorf("reason = %q", cap.Reason)
	}
}
