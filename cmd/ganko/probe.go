package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xff16/ganko"
	"github.com/xff16/ganko/admin"
	"github.com/xff16/ganko/internal/logger"
	"github.com/xff16/ganko/internal/metric"
)

var (
	probeURL         string
	probeMethod      string
	probeRequests    int
	probeConcurrency int
	probeAdminPort   int
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Fires requests at an endpoint under the configured policies and prints statistics",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runProbe()
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeURL, "url", "", "Target URL (required)")
	probeCmd.Flags().StringVar(&probeMethod, "method", http.MethodGet, "HTTP method")
	probeCmd.Flags().IntVar(&probeRequests, "requests", 10, "Number of requests to execute")
	probeCmd.Flags().IntVar(&probeConcurrency, "concurrency", 4, "Concurrent workers")
	probeCmd.Flags().IntVar(&probeAdminPort, "admin-port", 0, "Serve stats and circuit control on this port")
	_ = probeCmd.MarkFlagRequired("url")

	rootCmd.AddCommand(probeCmd)
}

func runProbe() error {
	cfg, err := loadOrDefaultConfig()
	if err != nil {
		return err
	}

	log := logger.New(cfg.Debug)

	var m metric.Metrics
	if cfg.Metrics.Enabled {
		m = metric.New(cfg.Metrics.Provider)
		startMetricsServer(cfg, log)
	}

	executor := ganko.NewExecutor(cfg.ExecutorConfig(), m, log)

	if probeAdminPort > 0 {
		go admin.NewServer(executor, probeAdminPort, log.Named("admin")).Start()
	}

	// A dead target is worth knowing about before burning the retry budget,
	// but an unavailable one does not stop the probe.
	caps := ganko.NewCapabilityRegistry(log)
	caps.Register("target", func() (any, error) {
		req, err := http.NewRequest(http.MethodHead, probeURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()

		return resp.Request.URL.String(), nil
	})

	if target := caps.Lookup("target"); !target.Available() {
		log.Warn("target did not answer preflight", zap.String("reason", target.Reason))
	}

	session := uuid.NewString()
	log.Info("probe session started",
		zap.String("session", session),
		zap.String("url", probeURL),
		zap.Int("requests", probeRequests),
		zap.Int("concurrency", probeConcurrency),
	)

	var (
		mu       sync.Mutex
		statuses = make(map[int]int)
		failures = make(map[string]int)
	)

	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(probeConcurrency)

	start := time.Now()

	for i := 0; i < probeRequests; i++ {
		g.Go(func() error {
			resp, err := executor.Execute(ctx, &ganko.Request{
				Method: probeMethod,
				URL:    probeURL,
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				failures[failureLabel(err)]++
				return nil
			}

			statuses[resp.Status]++

			return nil
		})
	}

	if err = g.Wait(); err != nil {
		return err
	}

	printSummary(executor, statuses, failures, time.Since(start))

	return nil
}

func loadOrDefaultConfig() (ganko.Config, error) {
	path := resolveConfigPath()

	cfg, err := ganko.LoadConfig(path)
	if err != nil {
		// Probing without a config file runs on defaults.
		if errors.Is(err, os.ErrNotExist) && cfgPath == "" && os.Getenv("GANKO_CONFIG") == "" {
			return ganko.Config{Name: "ganko-probe"}, nil
		}

		return cfg, err
	}

	if err = cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func startMetricsServer(cfg ganko.Config, log *zap.Logger) {
	if cfg.Metrics.Port == 0 {
		return
	}

	mux := http.NewServeMux()

	switch cfg.Metrics.Provider {
	case "prometheus":
		mux.Handle("/metrics", promhttp.Handler())
	default:
		mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			vmetrics.WritePrometheus(w, true)
		}))
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
}

func failureLabel(err error) string {
	var (
		open      *ganko.CircuitOpenError
		exhausted *ganko.ExhaustedRetriesError
		rerr      *ganko.RequestError
	)

	switch {
	case errors.As(err, &open):
		return "circuit_open"
	case errors.As(err, &exhausted):
		return "exhausted_retries"
	case errors.As(err, &rerr):
		return string(rerr.Kind)
	default:
		return "other"
	}
}

func printSummary(executor *ganko.Executor, statuses map[int]int, failures map[string]int, elapsed time.Duration) {
	stats := executor.Stats()

	fmt.Printf("\nProbe finished in %s\n\n", elapsed.Round(time.Millisecond))

	fmt.Println("Responses:")
	codes := make([]int, 0, len(statuses))
	for code := range statuses {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, statuses[code])
	}
	for label, count := range failures {
		fmt.Printf("  %s: %d\n", label, count)
	}

	fmt.Printf("\nRetry: total=%d attempts=%d retried=%d success_after_retry=%d exhausted=%d circuit_aborted=%d\n",
		stats.Retry.TotalRequests,
		stats.Retry.TotalAttempts,
		stats.Retry.RetriedRequests,
		stats.Retry.SuccessAfterRetry,
		stats.Retry.ExhaustedRequests,
		stats.Retry.CircuitAborted,
	)

	fmt.Printf("Pool: origins=%d active=%d idle=%d reuse_ratio=%.2f http2=%.2f\n",
		stats.Pool.Origins,
		stats.Pool.ActiveConnections,
		stats.Pool.IdleConnections,
		stats.Pool.ReuseRatio,
		stats.Pool.HTTP2Usage,
	)

	for key, cs := range stats.Circuits {
		fmt.Printf("Circuit %s: state=%s failures=%d total=%d opened=%d\n",
			key, cs.State, cs.TotalFailures, cs.TotalRequests, cs.OpenCount)
	}

	for _, rec := range executor.Timeouts().Recommendations() {
		fmt.Printf("Timeout %s: %s -> %s (%.0f%% confidence, %s)\n",
			rec.Endpoint, rec.Action, rec.Recommended, rec.Confidence*100, rec.Reason)
	}

	for _, rec := range executor.Retrier().Recommendations() {
		fmt.Printf("Hint: %s\n", rec)
	}
}
