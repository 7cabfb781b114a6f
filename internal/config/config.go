// Package config resolves skyflow-publisher settings. Sources apply in order:
// built-in defaults, an optional YAML file, a .env file, then SKYFLOW_*
// environment variables. Command-line flags are applied on top by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverS3         = "s3"
	StorageDriverFilesystem = "filesystem"

	QueueDriverAsynq  = "asynq"
	QueueDriverMemory = "memory"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Storage   StorageConfig   `yaml:"storage"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Publish   PublishConfig   `yaml:"publish"`
	Queue     QueueConfig     `yaml:"queue"`
	Lease     LeaseConfig     `yaml:"lease"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Ops       OpsConfig       `yaml:"ops"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdle     time.Duration `yaml:"max_conn_idle"`
	HealthInterval  time.Duration `yaml:"health_interval"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout"`
	ApplicationName string        `yaml:"application_name"`
}

type StorageConfig struct {
	Driver         string        `yaml:"driver"`
	Endpoint       string        `yaml:"endpoint"`
	Region         string        `yaml:"region"`
	Bucket         string        `yaml:"bucket"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	UseSSL         bool          `yaml:"use_ssl"`
	Prefix         string        `yaml:"prefix"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	RemoteSchemes  []string      `yaml:"remote_schemes"`
	Root           string        `yaml:"root"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type TranscodeConfig struct {
	FFmpegPath     string        `yaml:"ffmpeg_path"`
	SegmentSeconds int           `yaml:"segment_seconds"`
	Timeout        time.Duration `yaml:"timeout"`
	StderrTail     int           `yaml:"stderr_tail"`
}

type PublishConfig struct {
	WorkspaceRoot     string `yaml:"workspace_root"`
	UploadConcurrency int    `yaml:"upload_concurrency"`
}

type RedisConfig struct {
	Addr               string `yaml:"addr"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DB                 int    `yaml:"db"`
	TLSCAFile          string `yaml:"tls_ca"`
	TLSCertFile        string `yaml:"tls_cert"`
	TLSKeyFile         string `yaml:"tls_key"`
	TLSServerName      string `yaml:"tls_server_name"`
	InsecureSkipVerify bool   `yaml:"tls_skip_verify"`
}

type QueueConfig struct {
	Driver         string        `yaml:"driver"`
	Name           string        `yaml:"name"`
	Redis          RedisConfig   `yaml:"redis"`
	Concurrency    int           `yaml:"concurrency"`
	MaxRetry       int           `yaml:"max_retry"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
}

type LeaseConfig struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Schedule string        `yaml:"schedule"`
	Grace    time.Duration `yaml:"grace"`
	Batch    int           `yaml:"batch"`
}

type OpsConfig struct {
	Addr            string        `yaml:"addr"`
	TLSCertFile     string        `yaml:"tls_cert"`
	TLSKeyFile      string        `yaml:"tls_key"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Postgres: PostgresConfig{
			AcquireTimeout:  5 * time.Second,
			ApplicationName: "skyflow-publisher",
		},
		Storage: StorageConfig{
			Driver:         StorageDriverS3,
			Region:         "us-east-1",
			RemoteSchemes:  []string{"s3", "blob"},
			RequestTimeout: 30 * time.Second,
		},
		Transcode: TranscodeConfig{
			FFmpegPath:     "ffmpeg",
			SegmentSeconds: 4,
			Timeout:        10 * time.Minute,
			StderrTail:     8 << 10,
		},
		Publish: PublishConfig{
			WorkspaceRoot:     os.TempDir(),
			UploadConcurrency: 4,
		},
		Queue: QueueConfig{
			Driver:         QueueDriverAsynq,
			Name:           "flights",
			Concurrency:    2,
			MaxRetry:       8,
			TaskTimeout:    30 * time.Minute,
			BaseRetryDelay: 10 * time.Second,
			MaxRetryDelay:  15 * time.Minute,
		},
		Lease: LeaseConfig{TTL: 15 * time.Minute},
		Sweep: SweepConfig{
			Enabled:  true,
			Schedule: "@every 10m",
			Grace:    15 * time.Minute,
			Batch:    100,
		},
		Ops: OpsConfig{
			Addr:            ":9090",
			ShutdownTimeout: 15 * time.Second,
		},
	}
}

// LoadOptions selects the files Load reads. LookupEnv defaults to
// os.LookupEnv.
type LoadOptions struct {
	File      string
	EnvFile   string
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration from defaults, the YAML file (opts.File or
// SKYFLOW_CONFIG), the .env file and the environment. Process environment
// wins over .env entries. The result is not validated.
func Load(opts LoadOptions) (Config, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	dotenv, err := readDotEnv(opts.EnvFile)
	if err != nil {
		return Config{}, err
	}
	env := func(key string) (string, bool) {
		if value, ok := lookup(key); ok {
			return value, true
		}
		value, ok := dotenv[key]
		return value, ok
	}

	cfg := Default()
	file := strings.TrimSpace(opts.File)
	if file == "" {
		if value, ok := env("SKYFLOW_CONFIG"); ok {
			file = strings.TrimSpace(value)
		}
	}
	if file != "" {
		if err := loadFile(file, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, env); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every problem in cfg at once.
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		add("log.format %q must be json or text", c.Log.Format)
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		add("postgres.dsn is required")
	}
	if c.Postgres.MaxConns > 0 && c.Postgres.MinConns > c.Postgres.MaxConns {
		add("postgres.min_conns %d exceeds postgres.max_conns %d", c.Postgres.MinConns, c.Postgres.MaxConns)
	}

	switch c.Storage.Driver {
	case StorageDriverS3:
		if strings.TrimSpace(c.Storage.Endpoint) == "" {
			add("storage.endpoint is required for the s3 driver")
		}
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			add("storage.bucket is required")
		}
	case StorageDriverFilesystem:
		if strings.TrimSpace(c.Storage.Root) == "" {
			add("storage.root is required for the filesystem driver")
		}
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			add("storage.bucket is required")
		}
	default:
		add("storage.driver %q must be s3 or filesystem", c.Storage.Driver)
	}
	if len(c.Storage.RemoteSchemes) == 0 {
		add("storage.remote_schemes must name at least one scheme")
	}

	if strings.TrimSpace(c.Transcode.FFmpegPath) == "" {
		add("transcode.ffmpeg_path is required")
	}
	if c.Transcode.SegmentSeconds <= 0 {
		add("transcode.segment_seconds must be positive")
	}
	if c.Transcode.Timeout <= 0 {
		add("transcode.timeout must be positive")
	}
	if c.Publish.UploadConcurrency <= 0 {
		add("publish.upload_concurrency must be positive")
	}

	redisRequired := c.Lease.Enabled
	switch c.Queue.Driver {
	case QueueDriverAsynq:
		redisRequired = true
	case QueueDriverMemory:
	default:
		add("queue.driver %q must be asynq or memory", c.Queue.Driver)
	}
	if redisRequired && strings.TrimSpace(c.Queue.Redis.Addr) == "" {
		add("queue.redis.addr is required for the asynq driver and the publish lease")
	}
	if c.Queue.Concurrency <= 0 {
		add("queue.concurrency must be positive")
	}
	if c.Queue.MaxRetry < 0 {
		add("queue.max_retry must not be negative")
	}
	if (c.Queue.Redis.TLSCertFile == "") != (c.Queue.Redis.TLSKeyFile == "") {
		add("queue.redis.tls_cert and queue.redis.tls_key must be set together")
	}

	if c.Sweep.Enabled {
		if _, err := cron.ParseStandard(c.Sweep.Schedule); err != nil {
			add("sweep.schedule %q: %v", c.Sweep.Schedule, err)
		}
	}
	if (c.Ops.TLSCertFile == "") != (c.Ops.TLSKeyFile == "") {
		add("ops.tls_cert and ops.tls_key must be set together")
	}
	return errors.Join(errs...)
}
