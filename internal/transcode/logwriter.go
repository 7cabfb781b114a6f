package transcode

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
)

// logWriter forwards tool output to the logger one line at a time.
type logWriter struct {
	ctx     context.Context
	logger  *slog.Logger
	stream  string
	mu      sync.Mutex
	pending []byte
}

func newLogWriter(ctx context.Context, logger *slog.Logger, stream string) *logWriter {
	return &logWriter{ctx: ctx, logger: logger, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	w.pending = append(w.pending, p...)
	for {
		idx := bytes.IndexAny(w.pending, "\r\n")
		if idx == -1 {
			break
		}
		w.emit(w.pending[:idx])
		w.pending = w.pending[idx+1:]
	}
	return total, nil
}

// Flush logs any trailing partial line.
func (w *logWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.emit(w.pending)
	w.pending = nil
}

func (w *logWriter) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.logger.DebugContext(w.ctx, "ffmpeg output", "stream", w.stream, "line", string(line))
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(p) >= t.max {
		t.buf = append(t.buf[:0], p[len(p)-t.max:]...)
		return len(p), nil
	}
	if overflow := len(t.buf) + len(p) - t.max; overflow > 0 {
		t.buf = append(t.buf[:0], t.buf[overflow:]...)
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
