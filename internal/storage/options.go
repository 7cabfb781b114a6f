package storage

import (
	"strings"
	"time"
)

// Option tunes the Postgres repository.
type Option func(*PostgresConfig)

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout configures how long the repository waits to
// connect and obtain a pooled connection. The same deadline bounds the short
// statements the publish job issues, so a stuck database surfaces as a
// retryable job failure instead of a hung worker.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(cfg *PostgresConfig) {
		if clock != nil {
			cfg.Clock = clock
		}
	}
}
