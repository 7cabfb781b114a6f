// Package dispatch connects the flight publish job to the transports that
// trigger it: an asynq queue backed by Redis, an in-process worker pool, and
// a periodic sweep for flights that were never published.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"skyflow/internal/publish"
)

// TypePublishFlight is the asynq task type for publish jobs.
const TypePublishFlight = "flights:publish"

var (
	// ErrInvalidPayload reports a task payload that does not name a flight.
	ErrInvalidPayload = errors.New("dispatch: invalid publish payload")
	// ErrAlreadyQueued reports that a publish for the flight is already
	// waiting or running, so the request added nothing.
	ErrAlreadyQueued = errors.New("dispatch: publish already queued")
)

// PublishPayload is the JSON body of a publish task.
type PublishPayload struct {
	FlightID int64 `json:"flight_id"`
}

// Publisher runs the publish job for one flight.
type Publisher interface {
	Publish(ctx context.Context, flightID int64) (publish.Outcome, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, flightID int64) (publish.Outcome, error)

func (f PublisherFunc) Publish(ctx context.Context, flightID int64) (publish.Outcome, error) {
	return f(ctx, flightID)
}

// Enqueuer hands a flight to whichever worker runs publish jobs. Enqueueing a
// flight that is already waiting returns ErrAlreadyQueued, which callers
// treat as success.
type Enqueuer interface {
	Enqueue(ctx context.Context, flightID int64) error
}

// NewPublishTask builds the asynq task for flightID.
func NewPublishTask(flightID int64, opts ...asynq.Option) (*asynq.Task, error) {
	if flightID <= 0 {
		return nil, fmt.Errorf("%w: flight id %d", ErrInvalidPayload, flightID)
	}
	payload, err := json.Marshal(PublishPayload{FlightID: flightID})
	if err != nil {
		return nil, fmt.Errorf("encode publish payload: %w", err)
	}
	return asynq.NewTask(TypePublishFlight, payload, opts...), nil
}

// ParsePublishPayload decodes a publish task payload.
func ParsePublishPayload(data []byte) (PublishPayload, error) {
	var payload PublishPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return PublishPayload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.FlightID <= 0 {
		return PublishPayload{}, fmt.Errorf("%w: flight id %d", ErrInvalidPayload, payload.FlightID)
	}
	return payload, nil
}

// TaskID is the asynq task identifier for flightID. Tasks sharing an ID
// collapse while one is still queued or running. Asynq keeps the ID of an
// archived task, so the enqueuer clears it before queueing again.
func TaskID(flightID int64) string {
	return fmt.Sprintf("flight-publish-%d", flightID)
}
