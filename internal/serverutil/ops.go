package serverutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"skyflow/internal/observability/logging"
	"skyflow/internal/observability/metrics"
)

// HealthCheck probes one dependency of the worker.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type OpsConfig struct {
	Metrics      *metrics.Recorder
	Checks       []HealthCheck
	CheckTimeout time.Duration
	Logger       *slog.Logger
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewOpsHandler serves /healthz and /metrics for the publisher process.
func NewOpsHandler(cfg OpsConfig) http.Handler {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	timeout := cfg.CheckTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	checks := append([]HealthCheck(nil), cfg.Checks...)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", recorder.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		resp := runChecks(ctx, checks)
		status := http.StatusOK
		if resp.Status != "ok" {
			status = http.StatusServiceUnavailable
			logger.Warn("health check failed", "checks", resp.Checks)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(resp)
	})

	handler := metrics.HTTPMiddleware(recorder, mux)
	return logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(handler)
}

func runChecks(ctx context.Context, checks []HealthCheck) healthResponse {
	resp := healthResponse{Status: "ok"}
	if len(checks) == 0 {
		return resp
	}
	resp.Checks = make(map[string]string, len(checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := "ok"
			if err := check.Check(ctx); err != nil {
				result = err.Error()
			}
			mu.Lock()
			resp.Checks[check.Name] = result
			if result != "ok" {
				resp.Status = "degraded"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return resp
}
