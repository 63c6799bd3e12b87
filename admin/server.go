// Package admin exposes a small operational HTTP surface over a running
// Executor: policy statistics, tuning recommendations and manual circuit
// control.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/xff16/ganko"
)

type Server struct {
	exec *ganko.Executor
	port int
	log  *zap.Logger
}

func NewServer(exec *ganko.Executor, port int, log *zap.Logger) *Server {
	return &Server{
		exec: exec,
		port: port,
		log:  log,
	}
}

// Start serves until the listener fails. Run it on its own goroutine.
func (s *Server) Start() {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /circuits", s.handleCircuits)
	mux.HandleFunc("GET /recommendations", s.handleRecommendations)
	mux.HandleFunc("POST /circuits/open", s.handleForce(func(key ganko.EndpointKey) {
		s.exec.Breaker().ForceOpen(key)
	}))
	mux.HandleFunc("POST /circuits/close", s.handleForce(func(key ganko.EndpointKey) {
		s.exec.Breaker().ForceClose(key)
	}))
	mux.HandleFunc("POST /reset", s.handleReset)

	addr := fmt.Sprintf(":%d", s.port)

	server := http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	s.log.Info("admin server started", zap.String("addr", addr))

	if err := server.ListenAndServe(); err != nil {
		s.log.Error("admin server had errors, disabling", zap.Error(err))
		return
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.exec.Stats())
}

func (s *Server) handleCircuits(w http.ResponseWriter, _ *http.Request) {
	circuits := s.exec.Breaker().Stats()

	out := make(map[string]ganko.CircuitStats, len(circuits))
	for key, stats := range circuits {
		out[key.String()] = stats
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecommendations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"timeout": s.exec.Timeouts().Recommendations(),
		"retry":   s.exec.Retrier().Recommendations(),
	})
}

func (s *Server) handleForce(apply func(ganko.EndpointKey)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Query().Get("method")
		url := r.URL.Query().Get("url")

		if method == "" || url == "" {
			writeError(w, http.StatusBadRequest, "method and url query parameters are required")
			return
		}

		key := ganko.NormalizeEndpoint(method, url)
		apply(key)

		s.log.Info("circuit state forced", zap.String("endpoint", key.String()))

		writeJSON(w, http.StatusOK, map[string]string{"endpoint": key.String()})
	}
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.exec.ResetStats()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, jsonError{Code: status, Message: message})
}
