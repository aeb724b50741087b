package worker

import (
	"context"
	"fmt"

	"github.com/gafferd/gaffer/pkg/models"
)

// RunFunc adapts a plain function to the Runner interface.
type RunFunc func(ctx context.Context, st *models.Subtask) (*Result, error)

// Run executes the function.
func (f RunFunc) Run(ctx context.Context, st *models.Subtask) (*Result, error) {
	return f(ctx, st)
}

// LocalRunner executes subtasks in-process. It backs simulated workers in
// tests and dry runs where no real executor is configured.
type LocalRunner struct {
	fn RunFunc
}

// NewLocalRunner creates a local runner. A nil function falls back to an
// echo behavior that acknowledges the subtask without doing work.
func NewLocalRunner(fn RunFunc) *LocalRunner {
	if fn == nil {
		fn = echo
	}
	return &LocalRunner{fn: fn}
}

// Run executes the configured function, honoring context cancellation.
func (r *LocalRunner) Run(ctx context.Context, st *models.Subtask) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.fn(ctx, st)
}

// echo is the default no-op execution: the payload acknowledges the
// subtask so downstream coordination still has an output to commit.
func echo(ctx context.Context, st *models.Subtask) (*Result, error) {
	return &Result{Payload: fmt.Sprintf("completed %s", st.ID)}, nil
}
