package storage

import (
	"time"
)

const defaultPostgresAcquireTimeout = 5 * time.Second

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		MinConnections:  -1,
		AcquireTimeout:  defaultPostgresAcquireTimeout,
		ApplicationName: "skyflow-publisher",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultPostgresAcquireTimeout
	}
	return cfg
}
