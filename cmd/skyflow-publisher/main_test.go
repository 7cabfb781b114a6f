package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skyflow/internal/config"
	"skyflow/internal/observability/metrics"
	"skyflow/internal/publish"
	"skyflow/internal/storage"
	"skyflow/internal/transcode"
)

type stubTranscoder struct{}

func (stubTranscoder) Transcode(_ context.Context, _ string, outputDir string) (transcode.Result, error) {
	var segments []string
	for i := 0; i < 2; i++ {
		path := filepath.Join(outputDir, fmt.Sprintf("segment_%03d.ts", i))
		if err := os.WriteFile(path, []byte{0x47, byte(i)}, 0o644); err != nil {
			return transcode.Result{}, err
		}
		segments = append(segments, path)
	}
	manifest := filepath.Join(outputDir, transcode.ManifestName)
	body := "#EXTM3U\n#EXTINF:4.0,\nsegment_000.ts\n#EXTINF:4.0,\nsegment_001.ts\n#EXT-X-ENDLIST\n"
	if err := os.WriteFile(manifest, []byte(body), 0o644); err != nil {
		return transcode.Result{}, err
	}
	return transcode.Result{ManifestPath: manifest, Segments: segments}, nil
}

type testHarness struct {
	app     *app
	flights *storage.MemoryRepository
	env     map[string]string
	blobDir string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	blobDir := t.TempDir()
	h := &testHarness{
		flights: storage.NewMemoryRepository(),
		blobDir: blobDir,
		env: map[string]string{
			"SKYFLOW_POSTGRES_DSN":            "postgres://unused",
			"SKYFLOW_STORAGE_DRIVER":          config.StorageDriverFilesystem,
			"SKYFLOW_STORAGE_ROOT":            blobDir,
			"SKYFLOW_STORAGE_BUCKET":          "flights",
			"SKYFLOW_STORAGE_PUBLIC_BASE_URL": "https://cdn.example.com/flights",
			"SKYFLOW_WORKSPACE_ROOT":          t.TempDir(),
			"SKYFLOW_QUEUE_DRIVER":            config.QueueDriverMemory,
			"SKYFLOW_SWEEP_ENABLED":           "false",
			"SKYFLOW_LOG_LEVEL":               "error",
		},
	}
	h.app = &app{
		metrics: metrics.New(),
		lookupEnv: func(key string) (string, bool) {
			value, ok := h.env[key]
			return value, ok
		},
		openFlights: func(context.Context, config.Config, *slog.Logger) (storage.Repository, error) {
			return nopCloseRepository{h.flights}, nil
		},
		newTranscoder: func(config.Config, *slog.Logger, *metrics.Recorder) publish.Transcoder {
			return stubTranscoder{}
		},
	}
	return h
}

// nopCloseRepository keeps the shared memory repository usable after a
// command closes it.
type nopCloseRepository struct {
	*storage.MemoryRepository
}

func (nopCloseRepository) Close(context.Context) error { return nil }

func (h *testHarness) run(ctx context.Context, args ...string) (string, error) {
	cmd := newRootCommand(h.app)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestPublishCommandPublishesFlight(t *testing.T) {
	h := newHarness(t)
	source := filepath.Join(t.TempDir(), "flight.mp4")
	if err := os.WriteFile(source, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	h.flights.Put(storage.Flight{ID: 3, SourceReference: source})

	out, err := h.run(context.Background(), "publish", "3")
	if err != nil {
		t.Fatalf("publish returned error: %v", err)
	}
	want := "https://cdn.example.com/flights/hls/3/index.m3u8"
	if !strings.Contains(out, want) {
		t.Fatalf("expected output to name %s, got %q", want, out)
	}
	flight, err := h.flights.GetFlight(context.Background(), 3)
	if err != nil {
		t.Fatalf("GetFlight returned error: %v", err)
	}
	if flight.PlaybackURL != want {
		t.Fatalf("unexpected playback url %q", flight.PlaybackURL)
	}
	if _, err := os.Stat(filepath.Join(h.blobDir, "flights", "hls", "3", "segment_001.ts")); err != nil {
		t.Fatalf("expected uploaded segment: %v", err)
	}
}

func TestPublishCommandSkipsMissingFlight(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(context.Background(), "publish", "99")
	if err != nil {
		t.Fatalf("publish returned error: %v", err)
	}
	if !strings.Contains(out, "skipped") {
		t.Fatalf("expected skipped outcome, got %q", out)
	}
}

func TestPublishCommandFailsOnMissingSource(t *testing.T) {
	h := newHarness(t)
	h.flights.Put(storage.Flight{ID: 4, SourceReference: filepath.Join(t.TempDir(), "gone.mp4")})
	_, err := h.run(context.Background(), "publish", "4")
	if err == nil {
		t.Fatal("expected publish to fail")
	}
	if !strings.Contains(err.Error(), "permanent") {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestPublishCommandRejectsBadArguments(t *testing.T) {
	h := newHarness(t)
	if _, err := h.run(context.Background(), "publish", "abc"); err == nil {
		t.Fatal("expected invalid flight id to be rejected")
	}
	delete(h.env, "SKYFLOW_POSTGRES_DSN")
	if _, err := h.run(context.Background(), "publish", "1"); err == nil || !strings.Contains(err.Error(), "postgres.dsn") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	h := newHarness(t)
	h.env["SKYFLOW_QUEUE_DRIVER"] = config.QueueDriverAsynq
	h.env["SKYFLOW_LOG_LEVEL"] = "warn"

	out, err := h.run(context.Background(), "submit", "--source", "s3://raw/a.mp4", "--queue-driver", "memory", "--log-level", "error")
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if h.app.cfg.Queue.Driver != config.QueueDriverMemory || h.app.cfg.Log.Level != "error" {
		t.Fatalf("expected flags to win, got queue %q level %q", h.app.cfg.Queue.Driver, h.app.cfg.Log.Level)
	}
	if !strings.Contains(out, "flight 1 created") {
		t.Fatalf("unexpected output %q", out)
	}
	flight, err := h.flights.GetFlight(context.Background(), 1)
	if err != nil || flight.SourceReference != "s3://raw/a.mp4" || flight.Status != storage.FlightStatusPending {
		t.Fatalf("unexpected flight %+v, %v", flight, err)
	}
}

func TestSubmitEnqueueRequiresAsynq(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(context.Background(), "submit", "--source", "s3://raw/a.mp4", "--enqueue")
	if err == nil || !strings.Contains(err.Error(), "asynq") {
		t.Fatalf("expected asynq driver error, got %v", err)
	}
	if _, err := h.run(context.Background(), "enqueue", "1"); err == nil {
		t.Fatal("expected enqueue to require the asynq driver")
	}
}

func TestMigrateRequiresPostgres(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(context.Background(), "migrate")
	if err == nil || !strings.Contains(err.Error(), "does not support migrations") {
		t.Fatalf("expected migrate to reject the memory repository, got %v", err)
	}
}

func TestServeWithMemoryQueue(t *testing.T) {
	h := newHarness(t)
	h.env["SKYFLOW_OPS_ADDR"] = "127.0.0.1:0"
	h.env["SKYFLOW_SWEEP_ENABLED"] = "true"
	h.env["SKYFLOW_SWEEP_SCHEDULE"] = "@every 1s"
	source := filepath.Join(t.TempDir(), "flight.mp4")
	if err := os.WriteFile(source, []byte("raw"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	h.flights.Put(storage.Flight{ID: 8, SourceReference: source, CreatedAt: time.Now().Add(-time.Hour)})

	bound := make(chan net.Addr, 1)
	h.app.onListen = func(addr net.Addr) { bound <- addr }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := h.run(ctx, "serve")
		done <- err
	}()

	var addr net.Addr
	select {
	case addr = <-bound:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("ops server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy ops server, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		flight, err := h.flights.GetFlight(context.Background(), 8)
		if err == nil && flight.Published() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected the sweep to publish the flight")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}
