package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the abstract error kinds of spec.md §7 that carry
// no extra payload. Callers classify with errors.Is.
var (
	// ErrStoreConflict indicates a unique-constraint violation the caller
	// may retry (e.g. concurrent attempt creation for the same run id).
	ErrStoreConflict = errors.New("store conflict")

	// ErrResumeCollision indicates the bounded retry of
	// next_attempt_id/open_attempt in State Manager.Initialize was
	// exhausted without success. No partial state persists.
	ErrResumeCollision = errors.New("resume collision: could not open a new attempt")
)

// ConfigError wraps a malformed or rejected configuration. Fatal before
// any attempt opens.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string { return fmt.Sprintf("config error: %s", e.Reason) }

// MissingDependencyError reports a job referencing a dependency id that
// does not exist in the configuration.
type MissingDependencyError struct {
	JobID        string
	DependencyID string
}

func (e MissingDependencyError) Error() string {
	return fmt.Sprintf("job %q declares missing dependency %q", e.JobID, e.DependencyID)
}

// CycleError reports a cycle detected in the dependency graph, including
// one offending cycle for diagnostics.
type CycleError struct {
	Cycle []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// StoreError wraps a persistence I/O or migration failure. Fatal.
type StoreError struct {
	Op  string
	Err error
}

func (e StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e StoreError) Unwrap() error { return e.Err }

// SpawnError indicates the OS refused to start the job's subprocess.
// Classified as ERROR for the job, never retried.
type SpawnError struct {
	JobID string
	Err   error
}

func (e SpawnError) Error() string { return fmt.Sprintf("job %q: spawn failed: %v", e.JobID, e.Err) }
func (e SpawnError) Unwrap() error { return e.Err }

// CheckFailure indicates a pre- or post-check returned failure. Terminal
// FAILED, never retried.
type CheckFailure struct {
	CheckName string
	Phase     string // "pre" or "post"
	Err       error
}

func (e CheckFailure) Error() string {
	return fmt.Sprintf("%s-check %q failed: %v", e.Phase, e.CheckName, e.Err)
}
func (e CheckFailure) Unwrap() error { return e.Err }

// Cancelled indicates the job was terminated due to external
// cancellation (SIGINT/SIGTERM or a continue_on_error=false abort).
// Terminal ERROR with a distinguished reason.
type Cancelled struct {
	Reason string
}

func (e Cancelled) Error() string { return fmt.Sprintf("cancelled: %s", e.Reason) }

// IsCancelled reports whether err is (or wraps) a Cancelled.
func IsCancelled(err error) bool {
	var c Cancelled
	return errors.As(err, &c)
}
