package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"skyflow/internal/observability/logging"
	"skyflow/internal/publish"
)

const (
	DefaultQueue = "flights"

	defaultMaxRetry       = 8
	defaultTaskTimeout    = 30 * time.Minute
	defaultConcurrency    = 2
	defaultBaseRetryDelay = 10 * time.Second
	defaultMaxRetryDelay  = 15 * time.Minute
)

// TaskClient is the part of *asynq.Client the enqueuer uses.
type TaskClient interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskInspector is the part of *asynq.Inspector the enqueuer uses to find
// and clear finished tasks that still hold a flight's task ID.
type TaskInspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
}

// AsynqEnqueuerConfig configures NewAsynqEnqueuer. Inspector resolves task
// ID conflicts; without it every conflict is reported as ErrAlreadyQueued.
// Timeout bounds one attempt and asynq reclaims the task after it.
type AsynqEnqueuerConfig struct {
	Client    TaskClient
	Inspector TaskInspector
	Queue     string
	MaxRetry  int
	Timeout   time.Duration
	Logger    *slog.Logger
}

// AsynqEnqueuer publishes flights through an asynq queue.
type AsynqEnqueuer struct {
	client    TaskClient
	inspector TaskInspector
	queue     string
	maxRetry  int
	timeout   time.Duration
	logger    *slog.Logger
}

func NewAsynqEnqueuer(cfg AsynqEnqueuerConfig) (*AsynqEnqueuer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("asynq client is required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = DefaultQueue
	}
	maxRetry := cfg.MaxRetry
	if maxRetry < 0 {
		maxRetry = 0
	} else if maxRetry == 0 {
		maxRetry = defaultMaxRetry
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqEnqueuer{
		client:    cfg.Client,
		inspector: cfg.Inspector,
		queue:     queue,
		maxRetry:  maxRetry,
		timeout:   timeout,
		logger:    logging.WithComponent(logger, "dispatch"),
	}, nil
}

// NewAsynqClient opens an asynq client for the given Redis.
func NewAsynqClient(cfg RedisConfig) (*asynq.Client, error) {
	opt, err := cfg.AsynqOpt()
	if err != nil {
		return nil, err
	}
	return asynq.NewClient(opt), nil
}

// NewAsynqInspector opens an asynq inspector for the given Redis.
func NewAsynqInspector(cfg RedisConfig) (*asynq.Inspector, error) {
	opt, err := cfg.AsynqOpt()
	if err != nil {
		return nil, err
	}
	return asynq.NewInspector(opt), nil
}

// Enqueue schedules a publish task for flightID. A task for the same flight
// that is still pending, scheduled or running absorbs the request and
// ErrAlreadyQueued is returned. An archived or completed task holding the
// flight's task ID is deleted and the flight is queued afresh.
func (e *AsynqEnqueuer) Enqueue(ctx context.Context, flightID int64) error {
	task, err := NewPublishTask(flightID)
	if err != nil {
		return err
	}
	taskID := TaskID(flightID)
	info, err := e.enqueue(ctx, task, taskID)
	if isConflict(err) {
		cleared, clearErr := e.clearFinished(taskID)
		if clearErr != nil {
			return fmt.Errorf("enqueue flight %d: %w", flightID, clearErr)
		}
		if !cleared {
			e.logger.Debug("publish task already queued", "flight_id", flightID)
			return ErrAlreadyQueued
		}
		e.logger.Info("cleared finished publish task", "flight_id", flightID, "task_id", taskID)
		info, err = e.enqueue(ctx, task, taskID)
		if isConflict(err) {
			return ErrAlreadyQueued
		}
	}
	if err != nil {
		return fmt.Errorf("enqueue flight %d: %w", flightID, err)
	}
	e.logger.Info("publish task enqueued", "flight_id", flightID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

func (e *AsynqEnqueuer) enqueue(ctx context.Context, task *asynq.Task, taskID string) (*asynq.TaskInfo, error) {
	return e.client.EnqueueContext(ctx, task,
		asynq.Queue(e.queue),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.timeout),
		asynq.TaskID(taskID),
	)
}

// clearFinished deletes the task holding taskID when it will never run
// again. It reports whether the ID is free for a new task.
func (e *AsynqEnqueuer) clearFinished(taskID string) (bool, error) {
	if e.inspector == nil {
		return false, nil
	}
	info, err := e.inspector.GetTaskInfo(e.queue, taskID)
	switch {
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		// Finished between the conflict and the lookup.
		return true, nil
	case err != nil:
		return false, fmt.Errorf("inspect task %s: %w", taskID, err)
	}
	if info.State != asynq.TaskStateArchived && info.State != asynq.TaskStateCompleted {
		return false, nil
	}
	if err := e.inspector.DeleteTask(e.queue, taskID); err != nil && !errors.Is(err, asynq.ErrTaskNotFound) {
		return false, fmt.Errorf("delete %s task %s: %w", info.State, taskID, err)
	}
	return true, nil
}

func isConflict(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

type AsynqWorkerConfig struct {
	Redis           asynq.RedisConnOpt
	Publisher       Publisher
	Queue           string
	Concurrency     int
	BaseRetryDelay  time.Duration
	MaxRetryDelay   time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

// AsynqWorker consumes publish tasks from Redis and runs the job for each.
type AsynqWorker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	publisher Publisher
	logger    *slog.Logger
}

func NewAsynqWorker(cfg AsynqWorkerConfig) (*AsynqWorker, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("asynq redis connection is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	queue := strings.TrimSpace(cfg.Queue)
	if queue == "" {
		queue = DefaultQueue
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "dispatch")

	w := &AsynqWorker{publisher: cfg.Publisher, logger: logger}
	w.server = asynq.NewServer(cfg.Redis, asynq.Config{
		Concurrency:     concurrency,
		Queues:          map[string]int{queue: 1},
		RetryDelayFunc:  RetryDelay(cfg.BaseRetryDelay, cfg.MaxRetryDelay),
		IsFailure:       isFailure,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          NewAsynqLogger(logger),
		ErrorHandler:    asynq.ErrorHandlerFunc(w.handleError),
	})
	w.mux = asynq.NewServeMux()
	w.mux.HandleFunc(TypePublishFlight, w.HandlePublish)
	return w, nil
}

// Start begins processing in background goroutines.
func (w *AsynqWorker) Start() error {
	return w.server.Start(w.mux)
}

// Shutdown stops fetching tasks and waits for active ones up to the
// configured shutdown timeout. Unfinished tasks return to the queue.
func (w *AsynqWorker) Shutdown() {
	w.server.Shutdown()
}

// HandlePublish runs the job for the flight named in task. Failures the job
// reports as permanent skip asynq's retries and go straight to the archive.
func (w *AsynqWorker) HandlePublish(ctx context.Context, task *asynq.Task) error {
	payload, err := ParsePublishPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if _, err := w.publisher.Publish(ctx, payload.FlightID); err != nil {
		if !publish.IsRetryable(err) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return err
	}
	return nil
}

func (w *AsynqWorker) handleError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	taskID, _ := asynq.GetTaskID(ctx)
	attrs := []any{"task_id", taskID, "type", task.Type(), "retried", retried, "max_retry", maxRetry, "error", err}
	if payload, parseErr := ParsePublishPayload(task.Payload()); parseErr == nil {
		attrs = append(attrs, "flight_id", payload.FlightID)
	}
	if errors.Is(err, asynq.SkipRetry) || retried >= maxRetry {
		w.logger.Error("publish task archived", attrs...)
		return
	}
	w.logger.Warn("publish task will be retried", attrs...)
}

// isFailure keeps lease contention from consuming retry attempts.
func isFailure(err error) bool {
	return !errors.Is(err, ErrLeaseHeld)
}

// RetryDelay returns an exponential backoff starting at base and capped at
// limit.
func RetryDelay(base, limit time.Duration) asynq.RetryDelayFunc {
	if base <= 0 {
		base = defaultBaseRetryDelay
	}
	if limit <= 0 {
		limit = defaultMaxRetryDelay
	}
	return func(n int, _ error, _ *asynq.Task) time.Duration {
		return backoff(base, limit, n)
	}
}

func backoff(base, limit time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= limit || delay <= 0 {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func NewAsynqLogger(logger *slog.Logger) asynq.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return asynqLogger{logger: logger.With("source", "asynq")}
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...)) }

func (l asynqLogger) Fatal(args ...interface{}) {
	l.logger.Error(fmt.Sprint(args...))
	os.Exit(1)
}
