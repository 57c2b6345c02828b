// Package ccerrors defines the logical error kinds used across the
// scheduling/execution core. These are sentinel-wrapped errors, not an
// exception hierarchy: callers use errors.Is/As against the values below.
package ccerrors

import "errors"

// Sentinel errors for the logical error kinds.
var (
	// ErrValidation marks a schema mismatch in caller-supplied input.
	ErrValidation = errors.New("validation error")

	// ErrAuth marks missing or invalid credentials, or a callback key
	// that does not match the stored one.
	ErrAuth = errors.New("authentication error")

	// ErrEngineTransient marks a timeout or connection error talking to
	// a node's container engine. The caller should schedule the node
	// for inspection.
	ErrEngineTransient = errors.New("engine transient error")

	// ErrEngineFatal marks an unrecoverable engine-reported failure: an
	// image pull that emitted an "error" line, or a container that
	// exited non-zero.
	ErrEngineFatal = errors.New("engine fatal error")

	// ErrVanished marks a container the store believes is live but the
	// engine has no record of.
	ErrVanished = errors.New("container vanished")

	// ErrTaskInfeasible marks a task that no single node (or node pair)
	// can host given its RAM requirements.
	ErrTaskInfeasible = errors.New("task infeasible for cluster")

	// ErrNotifyFailure marks a best-effort notification delivery
	// failure; callers should log and swallow it.
	ErrNotifyFailure = errors.New("notification delivery failed")
)

// Stage wraps an error with the pipeline stage in which it occurred,
// mirroring how a staged creation/start pipeline reports which step
// failed without losing the underlying cause.
type Stage struct {
	Stage string
	Err   error
}

func (e *Stage) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *Stage) Unwrap() error {
	return e.Err
}

// AtStage wraps err with the name of the stage that produced it. Returns
// nil if err is nil.
func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Stage{Stage: stage, Err: err}
}
