// Package transfer mirrors a source directory tree into a destination
// using rsync with delete propagation and partial-transfer resumption.
package transfer

import (
	"context"
	"time"

	"parsync/internal/config"
	"parsync/internal/execx"
)

const (
	tool = "rsync"

	flagArchive = "-a"
	flagDelete  = "--delete"
	flagPartial = "--partial"
	flagExclude = "--exclude"
)

// Engine invokes the external mirroring tool. Callers must have
// validated source and destination mounts before Sync is invoked.
type Engine struct {
	runner  execx.Runner
	timeout time.Duration
}

// New returns an engine running rsync through runner. timeout zero
// means no limit beyond ctx.
func New(runner execx.Runner, timeout time.Duration) *Engine {
	return &Engine{runner: runner, timeout: timeout}
}

// Sync mirrors t.Source into t.Destination. Files removed from the
// source are removed from the destination; interrupted transfers resume
// without re-sending completed data. A nonzero tool exit is returned as
// an *execx.ToolError carrying the captured diagnostics.
func (e *Engine) Sync(ctx context.Context, t config.SyncTarget) error {
	args := []string{flagArchive, flagDelete, flagPartial}
	for _, x := range t.Excludes {
		args = append(args, flagExclude+"="+x)
	}
	args = append(args, t.Source+"/", t.Destination+"/")

	res, err := e.runner.Run(ctx, execx.Spec{
		Name:    tool,
		Args:    args,
		Timeout: e.timeout,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &execx.ToolError{Name: tool, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}
