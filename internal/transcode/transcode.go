// Package transcode turns a source video into a VOD HLS rendition by stream
// copying it with ffmpeg.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"skyflow/internal/observability/logging"
	"skyflow/internal/observability/metrics"
)

const (
	ManifestName = "index.m3u8"

	segmentPrefix  = "segment_"
	segmentSuffix  = ".ts"
	segmentPattern = segmentPrefix + "%03d" + segmentSuffix

	defaultSegmentSeconds = 4
	defaultTimeout        = 10 * time.Minute
	defaultStderrTail     = 8 << 10
)

type Config struct {
	FFmpegPath     string
	SegmentSeconds int
	Timeout        time.Duration
	StderrTail     int
	Runner         Runner
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Result lists the artifacts of a successful run. Segments are absolute
// paths in playback order.
type Result struct {
	ManifestPath string
	Segments     []string
}

// Files returns the manifest followed by every segment.
func (r Result) Files() []string {
	files := make([]string, 0, len(r.Segments)+1)
	files = append(files, r.ManifestPath)
	return append(files, r.Segments...)
}

type Transcoder struct {
	cfg Config
}

func New(cfg Config) *Transcoder {
	if strings.TrimSpace(cfg.FFmpegPath) == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = defaultSegmentSeconds
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.StderrTail <= 0 {
		cfg.StderrTail = defaultStderrTail
	}
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Transcoder{cfg: cfg}
}

// Args returns the ffmpeg arguments used to package sourcePath into outputDir.
func (t *Transcoder) Args(sourcePath, outputDir string) []string {
	return []string{
		"-y",
		"-i", sourcePath,
		"-codec", "copy",
		"-start_number", "0",
		"-hls_time", strconv.Itoa(t.cfg.SegmentSeconds),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outputDir, segmentPattern),
		filepath.Join(outputDir, ManifestName),
	}
}

// Transcode packages sourcePath into outputDir without re-encoding. outputDir
// is created when missing and cleared of earlier artifacts. A nil error means
// the manifest is complete and every segment it lists exists.
func (t *Transcoder) Transcode(ctx context.Context, sourcePath, outputDir string) (Result, error) {
	logger := logging.WithContext(ctx, logging.WithComponent(t.cfg.Logger, "transcode"))

	absOut, err := filepath.Abs(outputDir)
	if err != nil {
		return Result{}, &Error{Err: fmt.Errorf("resolve output directory: %w", err)}
	}
	if err := prepareOutputDir(absOut); err != nil {
		return Result{}, &Error{Err: err}
	}

	runCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	tail := newTailBuffer(t.cfg.StderrTail)
	lines := newLogWriter(ctx, logger, "stderr")
	args := t.Args(sourcePath, absOut)

	started := time.Now()
	logger.Info("transcode started", "source", sourcePath, "output", absOut)
	runErr := t.cfg.Runner.Run(runCtx, t.cfg.FFmpegPath, args, io.MultiWriter(tail, lines))
	lines.Flush()

	if runErr != nil {
		terr := &Error{ExitCode: -1, Stderr: tail.String(), Err: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			terr.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			terr.TimedOut = true
			terr.Err = fmt.Errorf("exceeded %s: %w", t.cfg.Timeout, context.DeadlineExceeded)
		} else if ctx.Err() != nil {
			terr.Err = ctx.Err()
		}
		t.observe(terr)
		logger.Warn("transcode failed",
			"exit_code", terr.ExitCode,
			"timed_out", terr.TimedOut,
			"duration", time.Since(started),
			"error", runErr,
		)
		return Result{}, terr
	}

	result, err := validateOutput(absOut)
	if err != nil {
		terr := &Error{Stderr: tail.String(), Err: err}
		t.observe(terr)
		logger.Warn("transcode produced invalid output", "error", err)
		return Result{}, terr
	}
	t.observe(nil)
	logger.Info("transcode finished", "segments", len(result.Segments), "duration", time.Since(started))
	return result, nil
}

func (t *Transcoder) observe(err *Error) {
	if t.cfg.Metrics == nil {
		return
	}
	switch {
	case err == nil:
		t.cfg.Metrics.ObserveTranscode("ok")
	case err.TimedOut:
		t.cfg.Metrics.ObserveTranscode("timeout")
	default:
		t.cfg.Metrics.ObserveTranscode("error")
	}
}

// prepareOutputDir creates dir and removes manifests and segments left by an
// earlier run.
func prepareOutputDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read output directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == ManifestName || filepath.Ext(name) == ".m3u8" || isSegmentName(name) || strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("remove stale artifact %s: %w", name, err)
			}
		}
	}
	return nil
}

// validateOutput checks that dir holds a finished VOD playlist whose segments
// are numbered contiguously from zero and all exist, with no strays. A
// finished playlist with no segments is valid.
func validateOutput(dir string) (Result, error) {
	manifestPath := filepath.Join(dir, ManifestName)
	file, err := os.Open(manifestPath)
	if err != nil {
		return Result{}, fmt.Errorf("%w: open manifest: %v", ErrInvalidOutput, err)
	}
	defer file.Close()

	var (
		segments []string
		ended    bool
	)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "#EXT-X-ENDLIST":
			ended = true
		case strings.HasPrefix(line, "#"):
		default:
			want := fmt.Sprintf(segmentPattern, len(segments))
			if line != want {
				return Result{}, fmt.Errorf("%w: segment %d is %q, want %q", ErrInvalidOutput, len(segments), line, want)
			}
			segPath := filepath.Join(dir, line)
			info, err := os.Stat(segPath)
			if err != nil || !info.Mode().IsRegular() {
				return Result{}, fmt.Errorf("%w: segment %s missing", ErrInvalidOutput, line)
			}
			segments = append(segments, segPath)
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: read manifest: %v", ErrInvalidOutput, err)
	}
	if !ended {
		return Result{}, fmt.Errorf("%w: manifest has no #EXT-X-ENDLIST", ErrInvalidOutput)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read output directory: %v", ErrInvalidOutput, err)
	}
	onDisk := 0
	for _, entry := range entries {
		if !entry.IsDir() && isSegmentName(entry.Name()) {
			onDisk++
		}
	}
	if onDisk != len(segments) {
		return Result{}, fmt.Errorf("%w: %d segment files on disk, manifest lists %d", ErrInvalidOutput, onDisk, len(segments))
	}
	return Result{ManifestPath: manifestPath, Segments: segments}, nil
}

func isSegmentName(name string) bool {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	if digits == "" {
		return false
	}
	_, err := strconv.ParseUint(digits, 10, 32)
	return err == nil
}
