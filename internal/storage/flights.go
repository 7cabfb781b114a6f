package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FlightStatus is the moderation state of a flight. The publishing pipeline
// never reads or writes it.
type FlightStatus string

const (
	FlightStatusPending  FlightStatus = "pending"
	FlightStatusApproved FlightStatus = "approved"
	FlightStatusRejected FlightStatus = "rejected"
)

// Valid reports whether the status is one of the known moderation states.
func (s FlightStatus) Valid() bool {
	switch s {
	case FlightStatusPending, FlightStatusApproved, FlightStatusRejected:
		return true
	default:
		return false
	}
}

// Flight is the subset of the flight record the publishing pipeline works
// with. An empty PlaybackURL means the flight has not been published yet.
type Flight struct {
	ID              int64
	SourceReference string
	PlaybackURL     string
	Status          FlightStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Published reports whether a playback URL has been committed.
func (f Flight) Published() bool {
	return strings.TrimSpace(f.PlaybackURL) != ""
}

// NewFlight describes a flight row created by the submission path.
type NewFlight struct {
	SourceReference string
	Status          FlightStatus
}

var (
	// ErrFlightNotFound is returned when no flight exists for the given ID.
	ErrFlightNotFound = errors.New("flight not found")
	// ErrRepositoryClosed is returned once the repository's pool was closed.
	ErrRepositoryClosed = errors.New("flight repository closed")
)

// CommitError reports that the transactional playback URL write failed. The
// record is left unchanged when it is returned.
type CommitError struct {
	FlightID int64
	Err      error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit playback url for flight %d: %v", e.FlightID, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Repository persists flight records. SetPlaybackURL must be a single
// transactional write so concurrent readers observe either the old null value
// or the complete URL.
type Repository interface {
	GetFlight(ctx context.Context, id int64) (Flight, error)
	SetPlaybackURL(ctx context.Context, id int64, playbackURL string) error
	ListUnpublished(ctx context.Context, createdBefore time.Time, limit int) ([]Flight, error)
	CreateFlight(ctx context.Context, params NewFlight) (Flight, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

func normalizeNewFlight(params NewFlight) (NewFlight, error) {
	params.SourceReference = strings.TrimSpace(params.SourceReference)
	if params.SourceReference == "" {
		return NewFlight{}, fmt.Errorf("source reference is required")
	}
	if params.Status == "" {
		params.Status = FlightStatusPending
	}
	if !params.Status.Valid() {
		return NewFlight{}, fmt.Errorf("invalid flight status %q", params.Status)
	}
	return params, nil
}
