package transcode

import (
	"context"
	"io"
	"os/exec"
	"time"
)

// Runner executes an external tool, streaming its diagnostic output to stderr.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stderr io.Writer) error
}

// ExecRunner runs tools with os/exec. The process is killed when ctx ends.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args []string, stderr io.Writer) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stderr
	cmd.Stderr = stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd.Run()
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, args []string, stderr io.Writer) error

func (f RunnerFunc) Run(ctx context.Context, name string, args []string, stderr io.Writer) error {
	return f(ctx, name, args, stderr)
}
