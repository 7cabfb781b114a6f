package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"skyflow/internal/observability/logging"
	"skyflow/internal/observability/metrics"
	"skyflow/internal/storage"
)

const (
	DefaultSweepSchedule = "@every 10m"

	defaultSweepGrace = 15 * time.Minute
	defaultSweepBatch = 100
)

// UnpublishedLister is the slice of the flight repository the sweeper reads.
type UnpublishedLister interface {
	ListUnpublished(ctx context.Context, createdBefore time.Time, limit int) ([]storage.Flight, error)
}

type SweeperConfig struct {
	Flights  UnpublishedLister
	Enqueuer Enqueuer
	// Schedule is a cron spec; descriptors such as "@every 5m" are accepted.
	Schedule string
	// Grace skips flights created more recently than this, leaving them to
	// the submission path's own enqueue.
	Grace     time.Duration
	BatchSize int
	Timeout   time.Duration
	Clock     func() time.Time
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

// Sweeper periodically re-enqueues flights that have a source but no
// playback URL, covering lost enqueues and archived tasks.
type Sweeper struct {
	flights  UnpublishedLister
	enqueuer Enqueuer
	grace    time.Duration
	batch    int
	timeout  time.Duration
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Recorder

	cron *cron.Cron

	mu      sync.Mutex
	started bool
}

func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Flights == nil {
		return nil, fmt.Errorf("sweeper flight repository is required")
	}
	if cfg.Enqueuer == nil {
		return nil, fmt.Errorf("sweeper enqueuer is required")
	}
	schedule := strings.TrimSpace(cfg.Schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	grace := cfg.Grace
	if grace < 0 {
		grace = 0
	} else if grace == 0 {
		grace = defaultSweepGrace
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	s := &Sweeper{
		flights:  cfg.Flights,
		enqueuer: cfg.Enqueuer,
		grace:    grace,
		batch:    batch,
		timeout:  timeout,
		clock:    clock,
		logger:   logging.WithComponent(logger, "sweeper"),
		metrics:  recorder,
	}
	cronLogger := NewCronLogger(s.logger)
	s.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, up to ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()
	if !started {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("flight sweep failed", "error", err)
	}
}

// Sweep runs one pass and returns how many flights were enqueued. Flights
// that already have a task waiting are not counted. Enqueue failures are
// logged and do not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock().Add(-s.grace)
	flights, err := s.flights.ListUnpublished(ctx, cutoff, s.batch)
	if err != nil {
		return 0, fmt.Errorf("list unpublished flights: %w", err)
	}
	enqueued := 0
	for _, flight := range flights {
		if err := ctx.Err(); err != nil {
			return enqueued, err
		}
		err := s.enqueuer.Enqueue(ctx, flight.ID)
		if errors.Is(err, ErrAlreadyQueued) {
			continue
		}
		if err != nil {
			s.logger.Warn("failed to enqueue unpublished flight", "flight_id", flight.ID, "error", err)
			continue
		}
		s.metrics.ObserveEnqueue("sweep")
		enqueued++
	}
	if len(flights) > 0 {
		s.logger.Info("flight sweep finished", "found", len(flights), "enqueued", enqueued)
	}
	return enqueued, nil
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	logger *slog.Logger
}

func NewCronLogger(logger *slog.Logger) cron.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return cronLogger{logger: logger}
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
