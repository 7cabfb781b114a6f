package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"skyflow/internal/config"
	"skyflow/internal/dispatch"
	"skyflow/internal/serverutil"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the publish worker, the unpublished-flight sweep and the ops server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	logger := a.logger
	flights, err := a.openFlights(ctx, a.cfg, logger)
	if err != nil {
		return err
	}
	defer closeFlights(a, flights)

	job, err := a.newJob(flights)
	if err != nil {
		return err
	}
	var publisher dispatch.Publisher = job
	checks := []serverutil.HealthCheck{{Name: "postgres", Check: flights.Ping}}

	var redisClient redis.UniversalClient
	if a.cfg.Queue.Driver == config.QueueDriverAsynq || a.cfg.Lease.Enabled {
		redisClient, err = dispatch.NewRedisClient(redisConfig(a.cfg.Queue.Redis))
		if err != nil {
			return err
		}
		defer closeQuietly(logger, "redis client", redisClient)
		checks = append(checks, serverutil.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	if a.cfg.Lease.Enabled {
		lease, err := dispatch.NewLease(dispatch.LeaseConfig{Client: redisClient, TTL: a.cfg.Lease.TTL, Logger: logger})
		if err != nil {
			return err
		}
		publisher = lease.Guard(publisher)
	}

	enqueuer, stopWorker, err := a.startWorker(publisher)
	if err != nil {
		return err
	}

	var sweeper *dispatch.Sweeper
	if a.cfg.Sweep.Enabled {
		sweeper, err = dispatch.NewSweeper(dispatch.SweeperConfig{
			Flights:   flights,
			Enqueuer:  enqueuer,
			Schedule:  a.cfg.Sweep.Schedule,
			Grace:     a.cfg.Sweep.Grace,
			BatchSize: a.cfg.Sweep.Batch,
			Logger:    logger,
			Metrics:   a.metrics,
		})
		if err != nil {
			stopWorker(context.Background())
			return err
		}
		sweeper.Start()
	}

	logger.Info("publisher started",
		"queue_driver", a.cfg.Queue.Driver,
		"storage_driver", a.cfg.Storage.Driver,
		"lease", a.cfg.Lease.Enabled,
		"sweep", a.cfg.Sweep.Enabled,
	)
	runErr := a.runOps(ctx, checks)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Ops.ShutdownTimeout)
	defer cancel()
	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
		}
	}
	if err := stopWorker(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("stop worker: %w", err))
	}
	logger.Info("publisher stopped")
	return errors.Join(errs...)
}

// startWorker starts the configured queue consumer and returns the enqueuer
// feeding it with a func that stops both.
func (a *app) startWorker(publisher dispatch.Publisher) (dispatch.Enqueuer, func(context.Context) error, error) {
	queue := a.cfg.Queue
	switch queue.Driver {
	case config.QueueDriverMemory:
		pool, err := dispatch.NewPool(dispatch.PoolConfig{
			Publisher:      publisher,
			Workers:        queue.Concurrency,
			MaxAttempts:    queue.MaxRetry + 1,
			Timeout:        queue.TaskTimeout,
			BaseRetryDelay: queue.BaseRetryDelay,
			MaxRetryDelay:  queue.MaxRetryDelay,
			Logger:         a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		pool.Start()
		return pool, pool.Shutdown, nil
	case config.QueueDriverAsynq:
		opt, err := redisConfig(queue.Redis).AsynqOpt()
		if err != nil {
			return nil, nil, err
		}
		worker, err := dispatch.NewAsynqWorker(dispatch.AsynqWorkerConfig{
			Redis:           opt,
			Publisher:       publisher,
			Queue:           queue.Name,
			Concurrency:     queue.Concurrency,
			BaseRetryDelay:  queue.BaseRetryDelay,
			MaxRetryDelay:   queue.MaxRetryDelay,
			ShutdownTimeout: a.cfg.Ops.ShutdownTimeout,
			Logger:          a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := worker.Start(); err != nil {
			return nil, nil, fmt.Errorf("start asynq worker: %w", err)
		}
		enqueuer, closeClient, err := a.newAsynqEnqueuer()
		if err != nil {
			worker.Shutdown()
			return nil, nil, err
		}
		return enqueuer, func(context.Context) error {
			worker.Shutdown()
			closeClient()
			return nil
		}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported queue driver %q", queue.Driver)
	}
}

// runOps serves the ops endpoints until ctx is done. An empty address leaves
// the listener off.
func (a *app) runOps(ctx context.Context, checks []serverutil.HealthCheck) error {
	if a.cfg.Ops.Addr == "" {
		<-ctx.Done()
		return nil
	}
	server := &http.Server{
		Addr: a.cfg.Ops.Addr,
		Handler: serverutil.NewOpsHandler(serverutil.OpsConfig{
			Metrics: a.metrics,
			Checks:  checks,
			Logger:  a.logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serverutil.Run(ctx, serverutil.Config{
		Server:          server,
		TLS:             serverutil.TLSConfig{CertFile: a.cfg.Ops.TLSCertFile, KeyFile: a.cfg.Ops.TLSKeyFile},
		ShutdownTimeout: a.cfg.Ops.ShutdownTimeout,
		OnListen:        a.onListen,
		Logger:          a.logger,
	})
}
