package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// readDotEnv parses path without touching the process environment. A missing
// file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read env file %s: %w", path, err)
	}
	return values, nil
}

type envBinding struct {
	key   string
	apply func(string) error
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	bindings := []envBinding{
		{"SKYFLOW_LOG_LEVEL", setString(&cfg.Log.Level)},
		{"SKYFLOW_LOG_FORMAT", setString(&cfg.Log.Format)},

		{"SKYFLOW_POSTGRES_DSN", setString(&cfg.Postgres.DSN)},
		{"SKYFLOW_POSTGRES_MAX_CONNS", setInt32(&cfg.Postgres.MaxConns)},
		{"SKYFLOW_POSTGRES_MIN_CONNS", setInt32(&cfg.Postgres.MinConns)},
		{"SKYFLOW_POSTGRES_MAX_CONN_LIFETIME", setDuration(&cfg.Postgres.MaxConnLifetime)},
		{"SKYFLOW_POSTGRES_MAX_CONN_IDLE", setDuration(&cfg.Postgres.MaxConnIdle)},
		{"SKYFLOW_POSTGRES_HEALTH_INTERVAL", setDuration(&cfg.Postgres.HealthInterval)},
		{"SKYFLOW_POSTGRES_ACQUIRE_TIMEOUT", setDuration(&cfg.Postgres.AcquireTimeout)},
		{"SKYFLOW_POSTGRES_APP_NAME", setString(&cfg.Postgres.ApplicationName)},

		{"SKYFLOW_STORAGE_DRIVER", setString(&cfg.Storage.Driver)},
		{"SKYFLOW_STORAGE_ENDPOINT", setString(&cfg.Storage.Endpoint)},
		{"SKYFLOW_STORAGE_REGION", setString(&cfg.Storage.Region)},
		{"SKYFLOW_STORAGE_BUCKET", setString(&cfg.Storage.Bucket)},
		{"SKYFLOW_STORAGE_ACCESS_KEY", setString(&cfg.Storage.AccessKey)},
		{"SKYFLOW_STORAGE_SECRET_KEY", setString(&cfg.Storage.SecretKey)},
		{"SKYFLOW_STORAGE_USE_SSL", setBool(&cfg.Storage.UseSSL)},
		{"SKYFLOW_STORAGE_PREFIX", setString(&cfg.Storage.Prefix)},
		{"SKYFLOW_STORAGE_PUBLIC_BASE_URL", setString(&cfg.Storage.PublicBaseURL)},
		{"SKYFLOW_STORAGE_REMOTE_SCHEMES", setList(&cfg.Storage.RemoteSchemes)},
		{"SKYFLOW_STORAGE_ROOT", setString(&cfg.Storage.Root)},
		{"SKYFLOW_STORAGE_REQUEST_TIMEOUT", setDuration(&cfg.Storage.RequestTimeout)},

		{"SKYFLOW_FFMPEG_PATH", setString(&cfg.Transcode.FFmpegPath)},
		{"SKYFLOW_TRANSCODE_SEGMENT_SECONDS", setInt(&cfg.Transcode.SegmentSeconds)},
		{"SKYFLOW_TRANSCODE_TIMEOUT", setDuration(&cfg.Transcode.Timeout)},
		{"SKYFLOW_TRANSCODE_STDERR_TAIL", setInt(&cfg.Transcode.StderrTail)},

		{"SKYFLOW_WORKSPACE_ROOT", setString(&cfg.Publish.WorkspaceRoot)},
		{"SKYFLOW_UPLOAD_CONCURRENCY", setInt(&cfg.Publish.UploadConcurrency)},

		{"SKYFLOW_QUEUE_DRIVER", setString(&cfg.Queue.Driver)},
		{"SKYFLOW_QUEUE_NAME", setString(&cfg.Queue.Name)},
		{"SKYFLOW_QUEUE_CONCURRENCY", setInt(&cfg.Queue.Concurrency)},
		{"SKYFLOW_QUEUE_MAX_RETRY", setInt(&cfg.Queue.MaxRetry)},
		{"SKYFLOW_QUEUE_TASK_TIMEOUT", setDuration(&cfg.Queue.TaskTimeout)},
		{"SKYFLOW_QUEUE_BASE_RETRY_DELAY", setDuration(&cfg.Queue.BaseRetryDelay)},
		{"SKYFLOW_QUEUE_MAX_RETRY_DELAY", setDuration(&cfg.Queue.MaxRetryDelay)},
		{"SKYFLOW_REDIS_ADDR", setString(&cfg.Queue.Redis.Addr)},
		{"SKYFLOW_REDIS_USERNAME", setString(&cfg.Queue.Redis.Username)},
		{"SKYFLOW_REDIS_PASSWORD", setString(&cfg.Queue.Redis.Password)},
		{"SKYFLOW_REDIS_DB", setInt(&cfg.Queue.Redis.DB)},
		{"SKYFLOW_REDIS_TLS_CA", setString(&cfg.Queue.Redis.TLSCAFile)},
		{"SKYFLOW_REDIS_TLS_CERT", setString(&cfg.Queue.Redis.TLSCertFile)},
		{"SKYFLOW_REDIS_TLS_KEY", setString(&cfg.Queue.Redis.TLSKeyFile)},
		{"SKYFLOW_REDIS_TLS_SERVER_NAME", setString(&cfg.Queue.Redis.TLSServerName)},
		{"SKYFLOW_REDIS_TLS_SKIP_VERIFY", setBool(&cfg.Queue.Redis.InsecureSkipVerify)},

		{"SKYFLOW_LEASE_ENABLED", setBool(&cfg.Lease.Enabled)},
		{"SKYFLOW_LEASE_TTL", setDuration(&cfg.Lease.TTL)},

		{"SKYFLOW_SWEEP_ENABLED", setBool(&cfg.Sweep.Enabled)},
		{"SKYFLOW_SWEEP_SCHEDULE", setString(&cfg.Sweep.Schedule)},
		{"SKYFLOW_SWEEP_GRACE", setDuration(&cfg.Sweep.Grace)},
		{"SKYFLOW_SWEEP_BATCH", setInt(&cfg.Sweep.Batch)},

		{"SKYFLOW_OPS_ADDR", setString(&cfg.Ops.Addr)},
		{"SKYFLOW_OPS_TLS_CERT", setString(&cfg.Ops.TLSCertFile)},
		{"SKYFLOW_OPS_TLS_KEY", setString(&cfg.Ops.TLSKeyFile)},
		{"SKYFLOW_OPS_SHUTDOWN_TIMEOUT", setDuration(&cfg.Ops.ShutdownTimeout)},
	}

	var errs []error
	for _, binding := range bindings {
		raw, ok := lookup(binding.key)
		if !ok {
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := binding.apply(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", binding.key, err))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string) func(string) error {
	return func(value string) error {
		*dst = value
		return nil
	}
}

func setInt(dst *int) func(string) error {
	return func(value string) error {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		*dst = parsed
		return nil
	}
}

func setInt32(dst *int32) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid integer %q", value)
		}
		*dst = int32(parsed)
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(value string) error {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", value)
		}
		*dst = parsed
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(value string) error {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q", value)
		}
		*dst = parsed
		return nil
	}
}

func setList(dst *[]string) func(string) error {
	return func(value string) error {
		*dst = splitAndTrim(value)
		return nil
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
