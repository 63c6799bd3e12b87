package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/xff16/ganko"
)

func newTestServer() *Server {
	exec := ganko.NewExecutor(ganko.DefaultExecutorConfig(), nil, zap.NewNop())
	return NewServer(exec, 0, zap.NewNop())
}

func TestServer_Stats(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var stats ganko.ExecutorStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestServer_ForceOpenThenClose(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/circuits/open?method=GET&url=https://api.example.com/users", nil)
	s.handleForce(func(key ganko.EndpointKey) { s.exec.Breaker().ForceOpen(key) })(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	key := ganko.NormalizeEndpoint(http.MethodGet, "https://api.example.com/users")
	if got := s.exec.Breaker().State(key); got != ganko.StateOpen {
		t.Errorf("state = %s, want open", got)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/circuits/close?method=GET&url=https://api.example.com/users", nil)
	s.handleForce(func(key ganko.EndpointKey) { s.exec.Breaker().ForceClose(key) })(rec, req)

	if got := s.exec.Breaker().State(key); got != ganko.StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestServer_ForceRequiresParams(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/circuits/open", nil)
	s.handleForce(func(ganko.EndpointKey) { t.Error("apply called without params") })(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}

	var e jsonError
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if e.Code != http.StatusBadRequest || e.Message == "" {
		t.Errorf("error body = %+v", e)
	}
}

func TestServer_Reset(t *testing.T) {
	s := newTestServer()

	s.exec.Breaker().ForceOpen(ganko.NormalizeEndpoint(http.MethodGet, "https://api.example.com/users"))

	rec := httptest.NewRecorder()
	s.handleReset(rec, httptest.NewRequest(http.MethodPost, "/reset", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := len(s.exec.Breaker().Stats()); got != 0 {
		t.Errorf("%d circuits survived reset", got)
	}
}
