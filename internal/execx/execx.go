// Package execx wraps external tool invocations behind a typed runner
// returning a structured result instead of inline subprocess calls.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Result is the structured outcome of one tool invocation. A nonzero
// ExitCode is a reportable condition, not a Go error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Spec describes one tool invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Stdin   string
	Timeout time.Duration
}

// Runner executes external tools. The error return covers failures to
// run at all (missing binary, timeout, canceled context); tool exits are
// reported through Result.ExitCode.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ToolError reports a tool that ran but exited nonzero, carrying the
// captured diagnostics.
type ToolError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s exited %d", e.Name, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

const killDelay = 10 * time.Second

// Local runs tools as local subprocesses.
type Local struct{}

// Run executes the spec, capturing stdout and stderr separately. On
// context cancellation the tool receives SIGTERM and is given killDelay
// to exit on its own before being killed.
func (Local) Run(ctx context.Context, spec Spec) (Result, error) {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	default:
		return res, err
	}
	return res, nil
}
