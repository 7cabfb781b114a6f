package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/spf13/cobra"

	"skyflow/internal/config"
	"skyflow/internal/observability/logging"
	"skyflow/internal/observability/metrics"
	"skyflow/internal/publish"
	"skyflow/internal/storage"
)

type globalOptions struct {
	configFile    string
	envFile       string
	logLevel      string
	logFormat     string
	postgresDSN   string
	storageDriver string
	queueDriver   string
	redisAddr     string
	opsAddr       string
}

// app carries the resolved configuration and the constructors the commands
// share. Tests replace the constructors to avoid Postgres and ffmpeg.
type app struct {
	opts    globalOptions
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Recorder

	lookupEnv     func(string) (string, bool)
	openFlights   func(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Repository, error)
	newTranscoder func(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder) publish.Transcoder
	onListen      func(net.Addr)
}

func newApp() *app {
	return &app{
		metrics:       metrics.Default(),
		openFlights:   openPostgresFlights,
		newTranscoder: newFFmpegTranscoder,
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "skyflow-publisher",
		Short:         "Publish drone flight videos as HLS renditions",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.configFile, "config", "", "path to a YAML config file (env SKYFLOW_CONFIG)")
	flags.StringVar(&a.opts.envFile, "env-file", ".env", "dotenv file merged below the process environment")
	flags.StringVar(&a.opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&a.opts.logFormat, "log-format", "", "log format (json or text)")
	flags.StringVar(&a.opts.postgresDSN, "postgres-dsn", "", "Postgres connection string for the flights table")
	flags.StringVar(&a.opts.storageDriver, "storage-driver", "", "blob storage driver (s3 or filesystem)")
	flags.StringVar(&a.opts.queueDriver, "queue-driver", "", "job queue driver (asynq or memory)")
	flags.StringVar(&a.opts.redisAddr, "redis-addr", "", "Redis address for the asynq queue and the publish lease")
	flags.StringVar(&a.opts.opsAddr, "ops-addr", "", "listen address for /healthz and /metrics (empty disables)")

	root.AddCommand(
		newServeCommand(a),
		newPublishCommand(a),
		newEnqueueCommand(a),
		newSubmitCommand(a),
		newMigrateCommand(a),
	)
	return root
}

// load resolves the configuration with flags set on the command line taking
// precedence over every other source, then installs the logger.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(config.LoadOptions{
		File:      a.opts.configFile,
		EnvFile:   a.opts.envFile,
		LookupEnv: a.lookupEnv,
	})
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag  string
		value string
		dst   *string
	}{
		{"log-level", a.opts.logLevel, &cfg.Log.Level},
		{"log-format", a.opts.logFormat, &cfg.Log.Format},
		{"postgres-dsn", a.opts.postgresDSN, &cfg.Postgres.DSN},
		{"storage-driver", a.opts.storageDriver, &cfg.Storage.Driver},
		{"queue-driver", a.opts.queueDriver, &cfg.Queue.Driver},
		{"redis-addr", a.opts.redisAddr, &cfg.Queue.Redis.Addr},
		{"ops-addr", a.opts.opsAddr, &cfg.Ops.Addr},
	}
	for _, override := range overrides {
		if flags.Changed(override.flag) {
			*override.dst = strings.TrimSpace(override.value)
		}
	}

	a.cfg = cfg
	a.logger = logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Writer: cmd.ErrOrStderr(),
	})
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}

func closeQuietly(logger *slog.Logger, name string, closer io.Closer) {
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close "+name, "error", err)
	}
}
