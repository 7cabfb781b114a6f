package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryRepository keeps flights in process memory. It backs tests and the
// single-process development mode.
type MemoryRepository struct {
	mu      sync.RWMutex
	flights map[int64]Flight
	nextID  int64
	closed  bool
	now     func() time.Time

	// CommitHook, when set, runs before a playback URL write is applied and
	// can fail it to simulate a lost commit.
	CommitHook func(id int64) error
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		flights: make(map[int64]Flight),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) GetFlight(ctx context.Context, id int64) (Flight, error) {
	if err := ctx.Err(); err != nil {
		return Flight{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return Flight{}, ErrRepositoryClosed
	}
	flight, ok := r.flights[id]
	if !ok {
		return Flight{}, ErrFlightNotFound
	}
	return flight, nil
}

func (r *MemoryRepository) SetPlaybackURL(ctx context.Context, id int64, playbackURL string) error {
	if err := ctx.Err(); err != nil {
		return &CommitError{FlightID: id, Err: err}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRepositoryClosed
	}
	flight, ok := r.flights[id]
	if !ok {
		return ErrFlightNotFound
	}
	if r.CommitHook != nil {
		if err := r.CommitHook(id); err != nil {
			return &CommitError{FlightID: id, Err: err}
		}
	}
	flight.PlaybackURL = strings.TrimSpace(playbackURL)
	flight.UpdatedAt = r.now()
	r.flights[id] = flight
	return nil
}

func (r *MemoryRepository) ListUnpublished(ctx context.Context, createdBefore time.Time, limit int) ([]Flight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrRepositoryClosed
	}
	var out []Flight
	for _, flight := range r.flights {
		if flight.Published() || strings.TrimSpace(flight.SourceReference) == "" {
			continue
		}
		if !createdBefore.IsZero() && !flight.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, flight)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) CreateFlight(ctx context.Context, params NewFlight) (Flight, error) {
	if err := ctx.Err(); err != nil {
		return Flight{}, err
	}
	normalized, err := normalizeNewFlight(params)
	if err != nil {
		return Flight{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Flight{}, ErrRepositoryClosed
	}
	r.nextID++
	now := r.now()
	flight := Flight{
		ID:              r.nextID,
		SourceReference: normalized.SourceReference,
		Status:          normalized.Status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	r.flights[flight.ID] = flight
	return flight, nil
}

// Put stores a flight verbatim, replacing any existing record with the same ID.
func (r *MemoryRepository) Put(flight Flight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if flight.CreatedAt.IsZero() {
		flight.CreatedAt = r.now()
	}
	if flight.Status == "" {
		flight.Status = FlightStatusPending
	}
	r.flights[flight.ID] = flight
	if flight.ID > r.nextID {
		r.nextID = flight.ID
	}
}

// Delete removes a flight, mirroring a row deleted between enqueue and execution.
func (r *MemoryRepository) Delete(id int64) {
	r.mu.Lock()
	delete(r.flights, id)
	r.mu.Unlock()
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRepositoryClosed
	}
	return ctx.Err()
}

func (r *MemoryRepository) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
