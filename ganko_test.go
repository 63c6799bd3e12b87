package ganko

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()

	cfg := DefaultExecutorConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.EnableJitter = false

	return NewExecutor(cfg, nil, zap.NewNop())
}

func TestExecutor_SucceedsFirstAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			t.Error("request header not forwarded")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"q":1}` {
			t.Errorf("body = %q", body)
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("done"))
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	resp, err := e.Execute(context.Background(), &Request{
		Method:  http.MethodPost,
		URL:     srv.URL + "/v1/jobs",
		Headers: http.Header{"X-Token": {"secret"}},
		Body:    []byte(`{"q":1}`),
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Status != http.StatusOK {
		t.Errorf("status = %d", resp.Status)
	}
	if string(resp.Body) != "done" {
		t.Errorf("body = %q", resp.Body)
	}
	if resp.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", resp.Attempts)
	}
	if resp.RequestID == "" {
		t.Error("missing request id")
	}
	if resp.Elapsed <= 0 {
		t.Error("elapsed not measured")
	}
}

func TestExecutor_ZeroConfigUsesDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := NewExecutor(ExecutorConfig{}, nil, zap.NewNop())

	resp, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Execute with zero config: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Attempts != 1 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	resp, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/flaky"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if resp.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", resp.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}
	if string(resp.Body) != "recovered" {
		t.Errorf("body = %q", resp.Body)
	}

	stats := e.Stats()
	if stats.Retry.SuccessAfterRetry != 1 {
		t.Errorf("success after retry = %d, want 1", stats.Retry.SuccessAfterRetry)
	}
	if stats.Pool.TotalRequests != 3 {
		t.Errorf("pool saw %d attempts, want 3", stats.Pool.TotalRequests)
	}
}

func TestExecutor_ExhaustsRetries(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/down"})

	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedRetriesError", err)
	}
	if exhausted.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", exhausted.Attempts)
	}
	if hits.Load() != 3 {
		t.Errorf("server hit %d times, want 3", hits.Load())
	}

	rerr, ok := asRequestError(err)
	if !ok || rerr.StatusCode != http.StatusBadGateway {
		t.Errorf("last error %v does not carry the terminal status", err)
	}
}

func TestExecutor_NonRetryableStatusFailsFast(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	_, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/rpc"})

	rerr, ok := asRequestError(err)
	if !ok || rerr.Kind != ErrKindBadStatus || rerr.StatusCode != http.StatusNotImplemented {
		t.Fatalf("err = %v, want a bad_status error for 501", err)
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1", hits.Load())
	}
}

func TestExecutor_ClientErrorIsNotAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("no such thing"))
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	// A 404 is a valid answer for the caller to inspect, not a transport
	// failure, so it comes back as a response.
	resp, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/missing"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Errorf("status = %d", resp.Status)
	}
}

func TestExecutor_OpenCircuitSkipsTransport(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := newTestExecutor(t)
	url := srv.URL + "/guarded"

	e.Breaker().ForceOpen(NormalizeEndpoint(http.MethodGet, url))

	_, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: url})

	var open *CircuitOpenError
	if !errors.As(err, &open) {
		t.Fatalf("err = %v, want CircuitOpenError", err)
	}
	if hits.Load() != 0 {
		t.Errorf("server hit %d times, want 0", hits.Load())
	}
}

func TestExecutor_PerRequestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	cfg := DefaultExecutorConfig()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.EnableJitter = false

	e := NewExecutor(cfg, nil, zap.NewNop())

	start := time.Now()
	_, err := e.Execute(context.Background(), &Request{
		Method:  http.MethodGet,
		URL:     srv.URL + "/slow",
		Timeout: 50 * time.Millisecond,
	})

	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedRetriesError", err)
	}
	if kind, ok := errorKind(err); !ok || kind != ErrKindTimeout {
		t.Errorf("last error %v is not a timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("per-request timeout ignored, took %s", elapsed)
	}
}

func TestExecutor_PerRequestRetryOverride(t *testing.T) {
	var hits atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	override := DefaultRetryConfig()
	override.MaxAttempts = 5
	override.BaseDelay = time.Millisecond
	override.EnableJitter = false

	_, err := e.Execute(context.Background(), &Request{
		Method: http.MethodGet,
		URL:    srv.URL + "/flaky",
		Retry:  &override,
	})

	var exhausted *ExhaustedRetriesError
	if !errors.As(err, &exhausted) {
		t.Fatalf("err = %v, want ExhaustedRetriesError", err)
	}
	if hits.Load() != 5 {
		t.Errorf("server hit %d times, want the overridden 5", hits.Load())
	}
}

func TestExecutor_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	e := newTestExecutor(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.Execute(ctx, &Request{Method: http.MethodGet, URL: srv.URL + "/hang"})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if kind, ok := errorKind(err); !ok || kind != ErrKindCanceled {
		t.Errorf("err = %v, want canceled kind", err)
	}
}

func TestExecutor_ResponseBodyLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	cfg := DefaultExecutorConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.MaxResponseBodySize = 100

	e := NewExecutor(cfg, nil, zap.NewNop())

	_, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL + "/big"})

	if kind, ok := errorKind(err); !ok || kind != ErrKindBodyRead {
		t.Fatalf("err = %v, want body_read kind", err)
	}
}

func TestExecutor_RateLimiterSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := DefaultExecutorConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: true, RPS: 50, Burst: 1}

	e := NewExecutor(cfg, nil, zap.NewNop())

	start := time.Now()
	for i := 0; i < 4; i++ {
		if _, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}

	// Burst of 1 at 50 RPS forces ~20ms between the remaining 3 requests.
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("4 requests completed in %s, limiter not applied", elapsed)
	}
}

func TestExecutor_ResetStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	e := newTestExecutor(t)

	if _, err := e.Execute(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	e.ResetStats()

	stats := e.Stats()
	if stats.Retry.TotalRequests != 0 {
		t.Errorf("retry stats survived reset: %+v", stats.Retry)
	}
	if len(stats.Circuits) != 0 {
		t.Errorf("circuit stats survived reset: %+v", stats.Circuits)
	}
	if stats.Pool.TotalRequests != 0 {
		t.Errorf("pool stats survived reset: %+v", stats.Pool)
	}
}
