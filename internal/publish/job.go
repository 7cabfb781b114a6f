// Package publish runs the flight publish job: fetch the source video,
// package it as HLS, upload the rendition and record the playback URL.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"skyflow/internal/blobstore"
	"skyflow/internal/observability/logging"
	"skyflow/internal/observability/metrics"
	"skyflow/internal/storage"
	"skyflow/internal/transcode"
)

// Outcome is the end result of one execution.
type Outcome string

const (
	OutcomePublished Outcome = "published"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Transcoder packages a local source file into an HLS rendition.
type Transcoder interface {
	Transcode(ctx context.Context, sourcePath, outputDir string) (transcode.Result, error)
}

type Config struct {
	Flights           storage.Repository
	Blobs             blobstore.Client
	Transcoder        Transcoder
	WorkspaceRoot     string
	UploadConcurrency int
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	Clock             func() time.Time
}

const defaultUploadConcurrency = 4

type Job struct {
	flights     storage.Repository
	blobs       blobstore.Client
	transcoder  Transcoder
	root        string
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Recorder
	clock       func() time.Time
}

func NewJob(cfg Config) (*Job, error) {
	if cfg.Flights == nil {
		return nil, errors.New("publish: flight repository is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("publish: blob client is required")
	}
	if cfg.Transcoder == nil {
		return nil, errors.New("publish: transcoder is required")
	}
	concurrency := cfg.UploadConcurrency
	if concurrency <= 0 {
		concurrency = defaultUploadConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Job{
		flights:     cfg.Flights,
		blobs:       cfg.Blobs,
		transcoder:  cfg.Transcoder,
		root:        cfg.WorkspaceRoot,
		concurrency: concurrency,
		logger:      logging.WithComponent(logger, "publish"),
		metrics:     recorder,
		clock:       clock,
	}, nil
}

// Publish runs the job for flightID. A missing flight, or one without a
// source reference, ends in OutcomeSkipped with a nil error. Every failure is
// returned as *Error; IsRetryable tells the dispatcher whether to try again.
// The job is safe to run any number of times for the same flight.
func (j *Job) Publish(ctx context.Context, flightID int64) (outcome Outcome, err error) {
	runID := uuid.NewString()
	ctx = logging.ContextWithFlightID(ctx, flightID)
	ctx = logging.ContextWithRunID(ctx, runID)
	logger := logging.WithContext(ctx, j.logger)

	r := &run{job: j, flightID: flightID, logger: logger, state: StateStart}
	started := j.clock()
	j.metrics.PublishStarted()
	defer func() {
		if recovered := recover(); recovered != nil {
			err = r.fail(KindUnclassified, fmt.Errorf("panic: %v", recovered))
			outcome = OutcomeFailed
		}
		j.metrics.PublishFinished(string(outcome))
		elapsed := j.clock().Sub(started)
		switch {
		case err == nil:
			logger.Info("flight publish finished", "outcome", outcome, "duration", elapsed)
		case IsRetryable(err):
			logger.Error("flight publish failed", "state", r.state, "kind", KindOf(err), "duration", elapsed, "error", err)
		default:
			logger.Warn("flight publish failed permanently", "state", r.state, "kind", KindOf(err), "duration", elapsed, "error", err)
		}
	}()

	logger.Info("flight publish started")
	return r.execute(ctx)
}

// run carries the state of one execution.
type run struct {
	job       *Job
	flightID  int64
	logger    *slog.Logger
	state     State
	workspace *workspace
}

func (r *run) execute(ctx context.Context) (Outcome, error) {
	j := r.job

	flight, err := j.flights.GetFlight(ctx, r.flightID)
	if err != nil {
		if errors.Is(err, storage.ErrFlightNotFound) {
			r.logger.Info("flight not found, nothing to publish")
			r.state = StateSkipped
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, r.fail(KindUnclassified, fmt.Errorf("load flight: %w", err))
	}
	if flight.SourceReference == "" {
		r.logger.Info("flight has no source reference, nothing to publish")
		r.state = StateSkipped
		return OutcomeSkipped, nil
	}
	if flight.Published() {
		r.logger.Info("flight already published, publishing again", "playback_url", flight.PlaybackURL)
	}
	ref, err := j.blobs.Resolve(flight.SourceReference)
	if err != nil {
		return OutcomeFailed, r.fail(classifyOr(err, KindUnclassified), fmt.Errorf("resolve source: %w", err))
	}
	r.advance(StateSourceResolved, time.Time{})

	ws, err := newWorkspace(j.root, r.flightID)
	if err != nil {
		return OutcomeFailed, r.fail(KindUnclassified, err)
	}
	r.workspace = ws
	defer r.cleanup()

	stepStarted := j.clock()
	sourcePath, err := r.localizeSource(ctx, ref)
	if err != nil {
		return OutcomeFailed, err
	}
	r.advance(StateSourceLocal, stepStarted)

	stepStarted = j.clock()
	result, err := j.transcoder.Transcode(ctx, sourcePath, ws.outputDir())
	if err != nil {
		return OutcomeFailed, r.fail(KindTranscode, err)
	}
	r.advance(StateTranscoded, stepStarted)

	stepStarted = j.clock()
	if err := r.upload(ctx, result, ws.outputDir()); err != nil {
		return OutcomeFailed, err
	}
	r.advance(StateUploaded, stepStarted)

	stepStarted = j.clock()
	playbackURL := j.blobs.PublicURL(blobstore.HLSKey(r.flightID, transcode.ManifestName))
	if err := j.flights.SetPlaybackURL(ctx, r.flightID, playbackURL); err != nil {
		if errors.Is(err, storage.ErrFlightNotFound) {
			r.logger.Info("flight deleted before publish committed, nothing to record")
			r.state = StateSkipped
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, r.fail(classifyOr(err, KindUnclassified), err)
	}
	r.advance(StatePublished, stepStarted)
	r.logger.Info("flight published", "playback_url", playbackURL, "segments", len(result.Segments))
	return OutcomePublished, nil
}

// localizeSource returns a local path for the flight's source, downloading
// remote objects into the workspace. Local paths are used in place.
func (r *run) localizeSource(ctx context.Context, ref blobstore.Reference) (string, error) {
	if ref.Kind == blobstore.KindLocal {
		info, err := os.Stat(ref.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return "", r.fail(KindNotFound, fmt.Errorf("%w: %s", blobstore.ErrNotFound, ref.Path))
		case err != nil:
			return "", r.fail(KindUnclassified, fmt.Errorf("stat source: %w", err))
		case !info.Mode().IsRegular():
			return "", r.fail(KindInvalidReference, fmt.Errorf("%w: %s is not a regular file", blobstore.ErrInvalidReference, ref.Path))
		}
		return ref.Path, nil
	}

	dest := r.workspace.sourcePath(ref.Key)
	err := r.job.blobs.Download(ctx, ref, dest)
	r.job.metrics.ObserveBlobOperation("download", err)
	if err != nil {
		return "", r.fail(classifyOr(err, KindStorageIO), fmt.Errorf("download source: %w", err))
	}
	r.logger.Debug("source downloaded", "reference", ref.String(), "path", dest)
	return dest, nil
}

// upload sends every segment and then the manifest, so the manifest never
// references an object that is not yet stored. The uploaded set is then
// checked against a fresh listing of outputDir before anything is committed.
func (r *run) upload(ctx context.Context, result transcode.Result, outputDir string) error {
	j := r.job
	err := j.blobs.EnsureBucket(ctx)
	j.metrics.ObserveBlobOperation("ensure_bucket", err)
	if err != nil {
		return r.fail(KindStorageIO, fmt.Errorf("ensure bucket: %w", err))
	}

	var (
		mu       sync.Mutex
		uploaded = make(map[string]struct{}, len(result.Segments)+1)
	)
	put := func(ctx context.Context, localPath string) error {
		name := filepath.Base(localPath)
		key := blobstore.HLSKey(r.flightID, name)
		err := j.blobs.Upload(ctx, localPath, key, blobstore.ContentTypeFor(name))
		j.metrics.ObserveBlobOperation("upload", err)
		if err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
		mu.Lock()
		uploaded[name] = struct{}{}
		mu.Unlock()
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(j.concurrency)
	for _, segment := range result.Segments {
		group.Go(func() error {
			return put(groupCtx, segment)
		})
	}
	if err := group.Wait(); err != nil {
		return r.fail(KindStorageIO, err)
	}
	if err := put(ctx, result.ManifestPath); err != nil {
		return r.fail(KindStorageIO, err)
	}

	produced, err := listRendition(outputDir)
	if err != nil {
		return r.fail(KindStorageIO, fmt.Errorf("list rendition: %w", err))
	}
	var missing []string
	for _, name := range produced {
		if _, ok := uploaded[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 || len(uploaded) != len(produced) {
		return r.fail(KindStorageIO, fmt.Errorf("%w: uploaded %d of %d rendition files, missing %v",
			ErrIncompleteUpload, len(uploaded), len(produced), missing))
	}
	return nil
}

// listRendition returns the names of the playlist and segment files in dir.
func listRendition(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".m3u8", ".ts":
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func (r *run) advance(next State, stepStarted time.Time) {
	if !stepStarted.IsZero() {
		r.job.metrics.ObserveStep(string(next), r.job.clock().Sub(stepStarted))
	}
	r.logger.Debug("flight publish advanced", "from", r.state, "to", next)
	r.state = next
}

func (r *run) fail(kind Kind, err error) error {
	return &Error{FlightID: r.flightID, State: r.state, Kind: kind, Err: err}
}

func (r *run) cleanup() {
	if r.workspace == nil {
		return
	}
	if err := r.workspace.remove(); err != nil {
		r.logger.Warn("failed to remove workspace", "path", r.workspace.dir, "error", err)
	}
}

// classifyOr returns the kind err maps to, or fallback when it is unknown.
func classifyOr(err error, fallback Kind) Kind {
	if kind := classify(err); kind != KindUnclassified && kind != "" {
		return kind
	}
	return fallback
}
