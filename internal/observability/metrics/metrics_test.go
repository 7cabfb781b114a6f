package metrics

import (
	"bytes"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: "/"},
		{in: "/", want: "/"},
		{in: "/healthz", want: "/healthz"},
		{in: "/flights/123", want: "/flights/:id"},
		{in: "flights/abcdefgh/", want: "/flights/:id"},
	}
	for _, tc := range cases {
		if got := normalizePath(tc.in); got != tc.want {
			t.Fatalf("normalizePath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPublishOutcomesAndGauge(t *testing.T) {
	recorder := New()

	recorder.PublishStarted()
	recorder.PublishStarted()
	if got := recorder.ActivePublishJobs(); got != 2 {
		t.Fatalf("expected 2 active jobs, got %d", got)
	}

	recorder.PublishFinished("published")
	recorder.PublishFinished(" Skipped ")
	recorder.PublishFinished("failed_terminal")
	if got := recorder.ActivePublishJobs(); got != 0 {
		t.Fatalf("expected gauge to floor at zero, got %d", got)
	}

	outcomes := recorder.PublishOutcomes()
	if outcomes["published"] != 1 || outcomes["skipped"] != 1 || outcomes["failed_terminal"] != 1 {
		t.Fatalf("unexpected outcomes: %#v", outcomes)
	}
}

func TestBlobOperationsCountByResult(t *testing.T) {
	recorder := New()
	recorder.ObserveBlobOperation("upload", nil)
	recorder.ObserveBlobOperation("upload", nil)
	recorder.ObserveBlobOperation("download", errors.New("boom"))

	ops := recorder.BlobOperations()
	if ops[BlobLabel{Operation: "upload", Result: "ok"}] != 2 {
		t.Fatalf("expected two successful uploads, got %#v", ops)
	}
	if ops[BlobLabel{Operation: "download", Result: "error"}] != 1 {
		t.Fatalf("expected one failed download, got %#v", ops)
	}
}

func TestWriteRendersPipelineMetrics(t *testing.T) {
	recorder := New()
	recorder.PublishStarted()
	recorder.PublishFinished("published")
	recorder.ObserveStep("transcode", 1500*time.Millisecond)
	recorder.ObserveStep("transcode", 500*time.Millisecond)
	recorder.ObserveTranscode("timeout")
	recorder.ObserveEnqueue("sweep")
	recorder.ObserveBlobOperation("upload", nil)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, want := range []string{
		`skyflow_publish_jobs_total{outcome="published"} 1`,
		`skyflow_publish_active_jobs 0`,
		`skyflow_publish_step_duration_seconds_sum{step="transcode"} 2.000000`,
		`skyflow_publish_step_duration_seconds_count{step="transcode"} 2`,
		`skyflow_transcode_runs_total{result="timeout"} 1`,
		`skyflow_publish_enqueued_total{source="sweep"} 1`,
		`skyflow_blob_operations_total{operation="upload",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestHandlerSetsPrometheusContentType(t *testing.T) {
	recorder := New()
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestResetClearsCounters(t *testing.T) {
	recorder := New()
	recorder.PublishStarted()
	recorder.PublishFinished("published")
	recorder.ObserveRequest("GET", "/metrics", 200, time.Millisecond)
	recorder.Reset()

	if len(recorder.PublishOutcomes()) != 0 {
		t.Fatalf("expected outcomes to be cleared")
	}
	var buf bytes.Buffer
	recorder.Write(&buf)
	if strings.Contains(buf.String(), `path="/metrics"`) {
		t.Fatalf("expected request counters to be cleared")
	}
}

func TestRecorderConcurrentUse(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.PublishStarted()
			recorder.ObserveStep("upload", time.Millisecond)
			recorder.PublishFinished("published")
		}()
	}
	wg.Wait()

	if got := recorder.PublishOutcomes()["published"]; got != 16 {
		t.Fatalf("expected 16 published outcomes, got %d", got)
	}
	if got := recorder.ActivePublishJobs(); got != 0 {
		t.Fatalf("expected no active jobs, got %d", got)
	}
}
