package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"skyflow/internal/observability/logging"
	"skyflow/internal/publish"
)

// ErrPoolClosed is returned by Enqueue after Shutdown.
var ErrPoolClosed = errors.New("dispatch: worker pool is shut down")

type PoolConfig struct {
	Publisher      Publisher
	Workers        int
	QueueSize      int
	MaxAttempts    int
	Timeout        time.Duration
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	Logger         *slog.Logger
}

// Pool runs publish jobs on in-process workers. It stands in for the asynq
// worker when no Redis is configured, and keeps nothing across restarts; the
// sweeper picks up flights that were lost.
type Pool struct {
	publisher   Publisher
	workers     int
	maxAttempts int
	timeout     time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	queue   chan poolJob
	wg      sync.WaitGroup
	retries sync.WaitGroup

	mu       sync.Mutex
	queued   map[int64]struct{}
	inFlight map[int64]struct{}
	started  bool
}

type poolJob struct {
	flightID int64
	attempt  int
}

const (
	defaultPoolWorkers     = 2
	defaultPoolQueueSize   = 64
	defaultPoolMaxAttempts = 5
)

func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultPoolWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultPoolQueueSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultPoolMaxAttempts
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTaskTimeout
	}
	baseDelay := cfg.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseRetryDelay
	}
	maxDelay := cfg.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		publisher:   cfg.Publisher,
		workers:     workers,
		maxAttempts: maxAttempts,
		timeout:     timeout,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		logger:      logging.WithComponent(logger, "dispatch"),
		ctx:         ctx,
		cancel:      cancel,
		queue:       make(chan poolJob, queueSize),
		queued:      make(map[int64]struct{}),
		inFlight:    make(map[int64]struct{}),
	}, nil
}

func (p *Pool) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Shutdown cancels running jobs and waits for the workers to exit. Queued
// and pending retries are dropped.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.retries.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues flightID unless it is already waiting. It blocks while the
// queue is full.
func (p *Pool) Enqueue(ctx context.Context, flightID int64) error {
	if flightID <= 0 {
		return fmt.Errorf("%w: flight id %d", ErrInvalidPayload, flightID)
	}
	if p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	if !p.markQueued(flightID) {
		p.logger.Debug("publish already queued", "flight_id", flightID)
		return ErrAlreadyQueued
	}
	select {
	case p.queue <- poolJob{flightID: flightID, attempt: 1}:
		return nil
	case <-p.ctx.Done():
		p.unmarkQueued(flightID)
		return ErrPoolClosed
	case <-ctx.Done():
		p.unmarkQueued(flightID)
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			p.unmarkQueued(job.flightID)
			if !p.beginWork(job.flightID) {
				continue
			}
			err := p.run(job)
			p.finishWork(job.flightID)
			if err != nil {
				p.retryOrDrop(job, err)
			}
		}
	}
}

func (p *Pool) run(job poolJob) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	_, err := p.publisher.Publish(ctx, job.flightID)
	return err
}

func (p *Pool) retryOrDrop(job poolJob, err error) {
	if p.ctx.Err() != nil {
		return
	}
	if !publish.IsRetryable(err) {
		p.logger.Error("publish dropped after permanent failure", "flight_id", job.flightID, "attempt", job.attempt, "error", err)
		return
	}
	if job.attempt >= p.maxAttempts {
		p.logger.Error("publish dropped after exhausting retries", "flight_id", job.flightID, "attempts", job.attempt, "error", err)
		return
	}
	delay := backoff(p.baseDelay, p.maxDelay, job.attempt-1)
	p.logger.Warn("publish will be retried", "flight_id", job.flightID, "attempt", job.attempt, "delay", delay, "error", err)
	next := poolJob{flightID: job.flightID, attempt: job.attempt + 1}
	p.retries.Add(1)
	go func() {
		defer p.retries.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
		}
		if !p.markQueued(next.flightID) {
			return
		}
		select {
		case p.queue <- next:
		case <-p.ctx.Done():
			p.unmarkQueued(next.flightID)
		}
	}()
}

func (p *Pool) markQueued(flightID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.queued[flightID]; exists {
		return false
	}
	p.queued[flightID] = struct{}{}
	return true
}

func (p *Pool) unmarkQueued(flightID int64) {
	p.mu.Lock()
	delete(p.queued, flightID)
	p.mu.Unlock()
}

func (p *Pool) beginWork(flightID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[flightID]; exists {
		return false
	}
	p.inFlight[flightID] = struct{}{}
	return true
}

func (p *Pool) finishWork(flightID int64) {
	p.mu.Lock()
	delete(p.inFlight, flightID)
	p.mu.Unlock()
}
