package transcode

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOutput reports a run that exited cleanly but left an incomplete
// or inconsistent rendition behind.
var ErrInvalidOutput = errors.New("invalid hls output")

// Error describes a failed transcode. Stderr holds the tail of the tool's
// diagnostic output.
type Error struct {
	ExitCode int
	TimedOut bool
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("transcode failed")
	switch {
	case e.TimedOut:
		b.WriteString(": timed out")
	case e.ExitCode > 0:
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := lastLine(e.Stderr); tail != "" {
		fmt.Fprintf(&b, " (%s)", tail)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		s = strings.TrimSpace(s[idx+1:])
	}
	return s
}
