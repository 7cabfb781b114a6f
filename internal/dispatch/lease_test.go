package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"skyflow/internal/observability/logging"
	"skyflow/internal/publish"
	"skyflow/internal/testsupport/redisstub"
)

func startRedisStub(t *testing.T, opts redisstub.Options) *redisstub.Server {
	t.Helper()
	srv, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	return srv
}

func newTestLease(t *testing.T, srv *redisstub.Server, ttl time.Duration) *Lease {
	t.Helper()
	client, err := NewRedisClient(RedisConfig{Addr: srv.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("NewRedisClient returned error: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	lease, err := NewLease(LeaseConfig{Client: client, TTL: ttl, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewLease returned error: %v", err)
	}
	return lease
}

func TestLeaseAcquireIsExclusive(t *testing.T) {
	srv := startRedisStub(t, redisstub.Options{Password: "secret"})
	lease := newTestLease(t, srv, time.Minute)
	ctx := context.Background()

	claim, err := lease.Acquire(ctx, 11)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if _, ok := srv.Get("skyflow:lease:flight:11"); !ok {
		t.Fatal("expected lease key to be stored")
	}
	if ttl := srv.TTL("skyflow:lease:flight:11"); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("expected lease ttl within a minute, got %v", ttl)
	}

	_, err = lease.Acquire(ctx, 11)
	if !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if !publish.IsRetryable(err) {
		t.Fatal("expected lease contention to be retryable")
	}

	if _, err := lease.Acquire(ctx, 12); err != nil {
		t.Fatalf("expected other flights to be independent, got %v", err)
	}

	if err := claim.Release(ctx); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if _, ok := srv.Get("skyflow:lease:flight:11"); ok {
		t.Fatal("expected lease key to be deleted")
	}
	if _, err := lease.Acquire(ctx, 11); err != nil {
		t.Fatalf("expected lease to be free after release, got %v", err)
	}
}

func TestLeaseReleaseKeepsForeignClaim(t *testing.T) {
	srv := startRedisStub(t, redisstub.Options{Password: "secret"})
	lease := newTestLease(t, srv, time.Minute)
	ctx := context.Background()

	claim, err := lease.Acquire(ctx, 5)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	// Simulate expiry followed by another worker taking the lease.
	srv.Set("skyflow:lease:flight:5", "other-worker", time.Minute)

	if err := claim.Release(ctx); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if value, ok := srv.Get("skyflow:lease:flight:5"); !ok || value != "other-worker" {
		t.Fatalf("expected foreign claim to survive, got %q, %v", value, ok)
	}
	if err := claim.Refresh(ctx); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected refresh of a lost claim to fail with ErrLeaseHeld, got %v", err)
	}
}

func TestLeaseRefreshExtendsTTL(t *testing.T) {
	srv := startRedisStub(t, redisstub.Options{Password: "secret"})
	lease := newTestLease(t, srv, time.Minute)
	ctx := context.Background()

	claim, err := lease.Acquire(ctx, 6)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	token, _ := srv.Get("skyflow:lease:flight:6")
	srv.Set("skyflow:lease:flight:6", token, time.Second)

	if err := claim.Refresh(ctx); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if ttl := srv.TTL("skyflow:lease:flight:6"); ttl < 30*time.Second {
		t.Fatalf("expected refreshed ttl near a minute, got %v", ttl)
	}
}

func TestLeaseGuardHoldsLeaseDuringRun(t *testing.T) {
	srv := startRedisStub(t, redisstub.Options{Password: "secret"})
	lease := newTestLease(t, srv, time.Minute)

	var heldDuringRun bool
	guarded := lease.Guard(PublisherFunc(func(ctx context.Context, flightID int64) (publish.Outcome, error) {
		_, heldDuringRun = srv.Get("skyflow:lease:flight:21")
		if _, err := lease.Acquire(ctx, flightID); !errors.Is(err, ErrLeaseHeld) {
			t.Errorf("expected concurrent acquire to fail, got %v", err)
		}
		return publish.OutcomePublished, nil
	}))

	outcome, err := guarded.Publish(context.Background(), 21)
	if err != nil || outcome != publish.OutcomePublished {
		t.Fatalf("unexpected guarded result %q, %v", outcome, err)
	}
	if !heldDuringRun {
		t.Fatal("expected lease to be held while the job ran")
	}
	if _, ok := srv.Get("skyflow:lease:flight:21"); ok {
		t.Fatal("expected lease to be released after the run")
	}
}

func TestLeaseGuardSkipsWhenHeld(t *testing.T) {
	srv := startRedisStub(t, redisstub.Options{Password: "secret"})
	lease := newTestLease(t, srv, time.Minute)
	srv.Set("skyflow:lease:flight:30", "someone-else", time.Minute)

	called := false
	guarded := lease.Guard(PublisherFunc(func(context.Context, int64) (publish.Outcome, error) {
		called = true
		return publish.OutcomePublished, nil
	}))
	if _, err := guarded.Publish(context.Background(), 30); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if called {
		t.Fatal("expected the job not to run while the lease is held")
	}
}

func TestRedisClientWithTLS(t *testing.T) {
	srv := startRedisStub(t, redisstub.Options{EnableTLS: true})
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, srv.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	client, err := NewRedisClient(RedisConfig{
		Addr: srv.Addr(),
		TLS:  RedisTLSConfig{CAFile: caPath, ServerName: "127.0.0.1"},
	})
	if err != nil {
		t.Fatalf("NewRedisClient returned error: %v", err)
	}
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping over tls: %v", err)
	}
}

func TestRedisConfigValidation(t *testing.T) {
	if _, err := NewRedisClient(RedisConfig{}); err == nil {
		t.Fatal("expected error without addr")
	}
	if _, err := (RedisConfig{Addr: "localhost:6379", TLS: RedisTLSConfig{CAFile: "/does/not/exist.pem"}}).AsynqOpt(); err == nil {
		t.Fatal("expected error for unreadable ca file")
	}
	opt, err := RedisConfig{Addr: " localhost:6379 ", DB: 2, Password: "pw"}.AsynqOpt()
	if err != nil {
		t.Fatalf("AsynqOpt returned error: %v", err)
	}
	if opt.Addr != "localhost:6379" || opt.DB != 2 || opt.Password != "pw" || opt.TLSConfig != nil {
		t.Fatalf("unexpected asynq options %+v", opt)
	}
	if cfg, err := buildTLSConfig(RedisTLSConfig{}); err != nil || cfg != nil {
		t.Fatalf("expected no tls config by default, got %v, %v", cfg, err)
	}
}
