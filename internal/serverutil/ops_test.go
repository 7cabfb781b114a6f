package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"skyflow/internal/observability/logging"
	"skyflow/internal/observability/metrics"
)

func TestOpsHandlerHealthy(t *testing.T) {
	handler := NewOpsHandler(OpsConfig{
		Metrics: metrics.New(),
		Checks: []HealthCheck{
			{Name: "postgres", Check: func(context.Context) error { return nil }},
		},
		Logger: logging.Discard(),
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body.Status != "ok" || body.Checks["postgres"] != "ok" {
		t.Fatalf("unexpected health response %+v", body)
	}
}

func TestOpsHandlerReportsFailingCheck(t *testing.T) {
	handler := NewOpsHandler(OpsConfig{
		Metrics: metrics.New(),
		Checks: []HealthCheck{
			{Name: "postgres", Check: func(context.Context) error { return nil }},
			{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
			{Name: "slow", Check: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			}},
		},
		CheckTimeout: 20 * time.Millisecond,
		Logger:       logging.Discard(),
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", body.Status)
	}
	if body.Checks["redis"] != "connection refused" {
		t.Fatalf("unexpected redis check result %q", body.Checks["redis"])
	}
	if body.Checks["slow"] != context.DeadlineExceeded.Error() {
		t.Fatalf("expected slow check to time out, got %q", body.Checks["slow"])
	}
}

func TestOpsHandlerServesMetrics(t *testing.T) {
	recorder := metrics.New()
	recorder.PublishFinished("published")
	handler := NewOpsHandler(OpsConfig{Metrics: recorder, Logger: logging.Discard()})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	if !strings.Contains(text, `skyflow_publish_jobs_total{outcome="published"} 1`) {
		t.Fatalf("expected publish outcome in metrics, got:\n%s", text)
	}
	if !strings.Contains(text, `path="/healthz"`) {
		t.Fatalf("expected ops requests in metrics, got:\n%s", text)
	}
}

func TestOpsHandlerRejectsUnknownPaths(t *testing.T) {
	handler := NewOpsHandler(OpsConfig{Metrics: metrics.New(), Logger: logging.Discard()})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}
