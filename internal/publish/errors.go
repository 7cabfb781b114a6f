package publish

import (
	"errors"
	"fmt"

	"skyflow/internal/blobstore"
	"skyflow/internal/storage"
	"skyflow/internal/transcode"
)

// State names a step of the publish state machine.
type State string

const (
	StateStart          State = "start"
	StateSourceResolved State = "source_resolved"
	StateSourceLocal    State = "source_local"
	StateTranscoded     State = "transcoded"
	StateUploaded       State = "uploaded"
	StatePublished      State = "published"
	StateFailed         State = "failed"
	StateSkipped        State = "skipped"
)

// Kind classifies a publish failure for the dispatcher's retry policy.
type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindInvalidReference Kind = "invalid_reference"
	KindStorageIO        Kind = "storage_io"
	KindTranscode        Kind = "transcode"
	KindRecordCommit     Kind = "record_commit"
	KindUnclassified     Kind = "unclassified"
)

// Retryable reports whether running the job again can change the result.
func (k Kind) Retryable() bool {
	switch k {
	case KindNotFound, KindInvalidReference:
		return false
	default:
		return true
	}
}

// ErrIncompleteUpload reports that the uploaded objects do not match the
// rendition files in the output directory.
var ErrIncompleteUpload = errors.New("incomplete upload")

// Error is returned by Job.Publish for every failed execution. State is the
// last state the job reached before failing.
type Error struct {
	FlightID int64
	State    State
	Kind     Kind
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("publish flight %d: %s after %s: %v", e.FlightID, e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth another attempt. Errors that did
// not come from the job are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind.Retryable()
	}
	return true
}

// KindOf extracts the failure kind from err.
func KindOf(err error) Kind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	var (
		storageErr   *blobstore.StorageError
		transcodeErr *transcode.Error
		commitErr    *storage.CommitError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, blobstore.ErrNotFound):
		return KindNotFound
	case errors.Is(err, blobstore.ErrInvalidReference):
		return KindInvalidReference
	case errors.As(err, &storageErr), errors.Is(err, ErrIncompleteUpload):
		return KindStorageIO
	case errors.As(err, &transcodeErr):
		return KindTranscode
	case errors.As(err, &commitErr):
		return KindRecordCommit
	default:
		return KindUnclassified
	}
}
