package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"skyflow/internal/publish"
)

// ErrLeaseHeld reports that another worker is publishing the flight. It is
// retryable.
var ErrLeaseHeld = errors.New("dispatch: flight lease held by another worker")

const (
	defaultLeasePrefix = "skyflow:lease:flight:"
	defaultLeaseTTL    = 15 * time.Minute
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

type LeaseConfig struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
	Logger *slog.Logger
}

// Lease grants per-flight mutual exclusion across workers using a Redis key
// that expires after TTL. Publishing is idempotent without it; the lease only
// stops two workers from doing the same work at once.
type Lease struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewLease(cfg LeaseConfig) (*Lease, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("lease redis client is required")
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultLeasePrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Lease{client: cfg.Client, prefix: prefix, ttl: ttl, logger: logger}, nil
}

// Claim is a held lease. Release it when the run ends.
type Claim struct {
	lease *Lease
	key   string
	token string
}

// Acquire claims the lease for flightID, returning ErrLeaseHeld when another
// holder has it.
func (l *Lease) Acquire(ctx context.Context, flightID int64) (*Claim, error) {
	key := l.key(flightID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: flight %d", ErrLeaseHeld, flightID)
	}
	return &Claim{lease: l, key: key, token: token}, nil
}

// Refresh extends the claim to a full TTL. It fails with ErrLeaseHeld when the
// claim expired and someone else took it.
func (c *Claim) Refresh(ctx context.Context) error {
	res, err := refreshScript.Run(ctx, c.lease.client, []string{c.key}, c.token, c.lease.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lease %s: %w", c.key, err)
	}
	if res == 0 {
		return fmt.Errorf("%w: %s lost", ErrLeaseHeld, c.key)
	}
	return nil
}

// Release drops the claim if it is still ours.
func (c *Claim) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, c.lease.client, []string{c.key}, c.token).Int64(); err != nil {
		return fmt.Errorf("release lease %s: %w", c.key, err)
	}
	return nil
}

// Guard wraps next so every run holds the flight's lease, refreshing it while
// the job is in progress.
func (l *Lease) Guard(next Publisher) Publisher {
	return PublisherFunc(func(ctx context.Context, flightID int64) (publish.Outcome, error) {
		claim, err := l.Acquire(ctx, flightID)
		if err != nil {
			return publish.OutcomeFailed, err
		}
		runCtx, cancel := context.WithCancel(ctx)
		refreshed := make(chan struct{})
		go func() {
			defer close(refreshed)
			l.keepAlive(runCtx, claim, flightID)
		}()
		defer func() {
			cancel()
			<-refreshed
			releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer releaseCancel()
			if err := claim.Release(releaseCtx); err != nil {
				l.logger.Warn("failed to release flight lease", "flight_id", flightID, "error", err)
			}
		}()
		return next.Publish(runCtx, flightID)
	})
}

func (l *Lease) keepAlive(ctx context.Context, claim *Claim, flightID int64) {
	interval := l.ttl / 3
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := claim.Refresh(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("failed to refresh flight lease", "flight_id", flightID, "error", err)
			}
		}
	}
}

func (l *Lease) key(flightID int64) string {
	return fmt.Sprintf("%s%d", l.prefix, flightID)
}
