package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"skyflow/internal/blobstore"
	"skyflow/internal/observability/logging"
	"skyflow/internal/publish"
)

// scriptedPublisher returns the queued results for each call in order and
// succeeds once they run out.
type scriptedPublisher struct {
	mu      sync.Mutex
	results []error
	calls   []int64
	block   chan struct{}
	called  chan int64
}

func newScriptedPublisher(results ...error) *scriptedPublisher {
	return &scriptedPublisher{results: results, called: make(chan int64, 32)}
}

func (p *scriptedPublisher) Publish(ctx context.Context, flightID int64) (publish.Outcome, error) {
	p.mu.Lock()
	p.calls = append(p.calls, flightID)
	var err error
	if len(p.results) > 0 {
		err = p.results[0]
		p.results = p.results[1:]
	}
	block := p.block
	p.mu.Unlock()
	p.called <- flightID
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return publish.OutcomeFailed, ctx.Err()
		}
	}
	if err != nil {
		return publish.OutcomeFailed, err
	}
	return publish.OutcomePublished, nil
}

func (p *scriptedPublisher) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func waitForCall(t *testing.T, p *scriptedPublisher) int64 {
	t.Helper()
	select {
	case id := <-p.called:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish call")
		return 0
	}
}

func newTestPool(t *testing.T, publisher Publisher, mutate func(*PoolConfig)) *Pool {
	t.Helper()
	cfg := PoolConfig{
		Publisher:      publisher,
		Workers:        1,
		MaxAttempts:    3,
		BaseRetryDelay: time.Millisecond,
		MaxRetryDelay:  5 * time.Millisecond,
		Logger:         logging.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	pool.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func TestPoolRetriesRetryableFailures(t *testing.T) {
	retryable := &publish.Error{Kind: publish.KindStorageIO, Err: errors.New("503")}
	publisher := newScriptedPublisher(retryable, retryable)
	pool := newTestPool(t, publisher, nil)

	if err := pool.Enqueue(context.Background(), 4); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if id := waitForCall(t, publisher); id != 4 {
			t.Fatalf("unexpected flight id %d", id)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if got := publisher.callCount(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestPoolStopsAfterMaxAttempts(t *testing.T) {
	retryable := errors.New("transient")
	publisher := newScriptedPublisher(retryable, retryable, retryable, retryable, retryable)
	pool := newTestPool(t, publisher, func(cfg *PoolConfig) { cfg.MaxAttempts = 2 })

	if err := pool.Enqueue(context.Background(), 8); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForCall(t, publisher)
	waitForCall(t, publisher)
	time.Sleep(30 * time.Millisecond)
	if got := publisher.callCount(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
}

func TestPoolDoesNotRetryPermanentFailures(t *testing.T) {
	terminal := &publish.Error{Kind: publish.KindNotFound, Err: blobstore.ErrNotFound}
	publisher := newScriptedPublisher(terminal)
	pool := newTestPool(t, publisher, nil)

	if err := pool.Enqueue(context.Background(), 2); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForCall(t, publisher)
	time.Sleep(30 * time.Millisecond)
	if got := publisher.callCount(); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestPoolCollapsesQueuedDuplicates(t *testing.T) {
	publisher := newScriptedPublisher()
	publisher.block = make(chan struct{})
	pool := newTestPool(t, publisher, nil)

	if err := pool.Enqueue(context.Background(), 1); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForCall(t, publisher)

	// The only worker is busy with flight 1, so flight 2 stays queued.
	if err := pool.Enqueue(context.Background(), 2); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := pool.Enqueue(context.Background(), 2); !errors.Is(err, ErrAlreadyQueued) {
			t.Fatalf("expected ErrAlreadyQueued, got %v", err)
		}
	}
	close(publisher.block)
	if id := waitForCall(t, publisher); id != 2 {
		t.Fatalf("expected flight 2 to run next, got %d", id)
	}
	time.Sleep(30 * time.Millisecond)
	if got := publisher.callCount(); got != 2 {
		t.Fatalf("expected duplicates to collapse into one run, got %d calls", got)
	}
}

func TestPoolShutdownCancelsRunningJobs(t *testing.T) {
	publisher := newScriptedPublisher()
	publisher.block = make(chan struct{})
	pool, err := NewPool(PoolConfig{Publisher: publisher, Workers: 1, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("NewPool returned error: %v", err)
	}
	pool.Start()
	if err := pool.Enqueue(context.Background(), 3); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	waitForCall(t, publisher)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	if err := pool.Enqueue(context.Background(), 4); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed after shutdown, got %v", err)
	}
}

func TestPoolRejectsInvalidFlightID(t *testing.T) {
	pool := newTestPool(t, newScriptedPublisher(), nil)
	if err := pool.Enqueue(context.Background(), 0); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
