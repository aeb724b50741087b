// Package worker provides the executor fleet: a registry of workers with
// capability tags, ranks, and load tracking, plus the runner implementations
// that execute subtasks. Workers are opaque executors; the scheduler sees
// only their results and failures.
package worker

import (
	"context"
	"errors"

	"github.com/gafferd/gaffer/pkg/models"
)

// Result is what a runner hands back for a successfully executed subtask.
type Result struct {
	// Payload is the opaque output content.
	Payload string `json:"payload"`
	// ScopeKey identifies the shared scope the output touches, if any.
	ScopeKey string `json:"scope_key,omitempty"`
	// Prerequisites is the worker's view of the subtask's dependencies.
	// A nil slice means the worker declared no view; a non-nil slice is
	// checked against the graph and can raise a dependency conflict.
	Prerequisites []string `json:"prerequisites,omitempty"`
}

// Runner executes a single subtask. Implementations must honor context
// cancellation; the scheduler enforces per-dispatch timeouts through ctx.
type Runner interface {
	Run(ctx context.Context, st *models.Subtask) (*Result, error)
}

// ExecError is an execution failure carrying an explicit severity
// classification. Runners return it when they can say how bad a failure
// is; plain errors classify as medium.
type ExecError struct {
	// Severity classifies the failure for the recovery engine.
	Severity models.Severity
	// Msg is the failure message.
	Msg string
}

func (e *ExecError) Error() string {
	return e.Msg
}

// NewExecError builds a classified execution failure.
func NewExecError(severity models.Severity, msg string) *ExecError {
	return &ExecError{Severity: severity, Msg: msg}
}

// Classify maps a runner error to a failure severity. Explicit ExecError
// classifications win; deadline expiry counts as high; everything else is
// the medium default.
func Classify(err error) models.Severity {
	var ee *ExecError
	if errors.As(err, &ee) && ee.Severity.Valid() {
		return ee.Severity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}
