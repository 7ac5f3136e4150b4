// Package runner implements the Job Runner (C5): executes one job from
// QUEUED to a terminal status under retry, timeout, and pre/post-check
// policy. Grounded on the teacher's RunProcessOnce step structure
// (internal/application/worker/worker.go, each phase wrapped in its own
// timeout context and erroring via a status update on failure) and its
// errors.go classification idiom, with the backoff+jitter style of
// internal/application/worker/reconciliation.go's startup jitter
// generalized into a proportional-jitter retry delay.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rezkam/flowrunner/internal/domain"
)

// killGrace is the longest wait between SIGTERM and SIGKILL when terminating a
// job's process group, per §4.5.1.b and §5.
const killGrace = 5 * time.Second

// HistoryWriter is the row-bound writer handle the orchestrator binds to
// one (run_id, attempt_id, job_id) before invoking the runner, so one
// Job Runner invocation owns one row.
type HistoryWriter interface {
	WriteRow(ctx context.Context, row domain.JobHistoryRow) error
}

// Runner executes jobs. A single Runner is safe for concurrent use
// across distinct jobs; it holds no per-job state.
type Runner struct {
	// LogDir is the directory stdout/stderr are appended to, one file per
	// job per attempt, named per §6: <app>.<run_id>.<attempt_id>.<job_id>.log.
	LogDir string
}

// New returns a Runner writing job logs under logDir.
func New(logDir string) *Runner {
	return &Runner{LogDir: logDir}
}

// Run executes spec to a terminal status, per §4.5.1. cancel is closed
// when the orchestrator wants this job's subprocess terminated
// (SIGINT/SIGTERM or a continue_on_error=false abort).
func (r *Runner) Run(ctx context.Context, applicationName string, runID, attemptID int64, spec domain.JobSpec, env map[string]string, workingDir string, writer HistoryWriter, cancel <-chan struct{}) domain.JobHistoryRow {
	start := time.Now().UTC()
	row := domain.JobHistoryRow{
		RunID: runID, AttemptID: attemptID, JobID: spec.ID,
		Command: spec.Command, Status: domain.JobRunning, StartTime: &start,
	}
	if err := writer.WriteRow(ctx, row); err != nil {
		slog.ErrorContext(ctx, "failed to write initial job row", "job_id", spec.ID, "error", err)
	}

	jobWorkingDir := workingDir
	if spec.WorkingDir != "" {
		jobWorkingDir = spec.WorkingDir
	}

	if failure := r.runChecks(ctx, spec.PreChecks, "pre", env, jobWorkingDir); failure != nil {
		return r.finalize(ctx, writer, row, domain.JobFailed, nil, failure.Error(), nil)
	}

	policy := domain.RetryPolicyFrom(spec)
	var history []domain.RetryRecord
	var status domain.JobStatus
	var exitCode int
	var lastErr string

	for attempt := 0; ; attempt++ {
		select {
		case <-cancel:
			status, exitCode, lastErr = domain.JobError, -1, "cancelled"
			history = append(history, recordFor(len(history)+1, status, exitCode, lastErr))
			return r.finalize(ctx, writer, row, status, &exitCode, lastErr, history)
		default:
		}

		attemptStatus, attemptExitCode, attemptErr := r.runOnce(ctx, applicationName, runID, attemptID, spec, env, jobWorkingDir, cancel)
		status, exitCode, lastErr = attemptStatus, attemptExitCode, attemptErr
		history = append(history, recordFor(len(history)+1, status, exitCode, lastErr))

		if status == domain.JobSuccess {
			break
		}
		elapsed := time.Since(start)
		if !policy.ShouldRetry(attempt, status, exitCode, elapsed) {
			break
		}

		delay := backoffDelay(policy, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cancel:
			timer.Stop()
			status, exitCode, lastErr = domain.JobError, -1, "cancelled"
			history = append(history, recordFor(len(history)+1, status, exitCode, lastErr))
			return r.finalize(ctx, writer, row, status, &exitCode, lastErr, history)
		}
	}

	if status == domain.JobSuccess {
		if failure := r.runChecks(ctx, spec.PostChecks, "post", env, jobWorkingDir); failure != nil {
			return r.finalize(ctx, writer, row, domain.JobFailed, &exitCode, failure.Error(), history)
		}
	}

	return r.finalize(ctx, writer, row, status, &exitCode, lastErr, history)
}

func recordFor(ordinal int, status domain.JobStatus, exitCode int, errMsg string) domain.RetryRecord {
	return domain.RetryRecord{
		Ordinal:   ordinal,
		Timestamp: time.Now().UTC(),
		Status:    status,
		ExitCode:  exitCode,
		Error:     errMsg,
	}
}

func (r *Runner) finalize(ctx context.Context, writer HistoryWriter, row domain.JobHistoryRow, status domain.JobStatus, exitCode *int, failReason string, history []domain.RetryRecord) domain.JobHistoryRow {
	end := time.Now().UTC()
	row.Status = status
	row.EndTime = &end
	row.ExitCode = exitCode
	row.RetryCount = len(history) - 1
	if row.RetryCount < 0 {
		row.RetryCount = 0
	}
	row.RetryHistory = history
	if status != domain.JobSuccess {
		row.FailReason = failReason
	}
	if err := writer.WriteRow(ctx, row); err != nil {
		slog.ErrorContext(ctx, "failed to write final job row", "job_id", row.JobID, "error", err)
	}
	return row
}

// backoffDelay implements §4.5.1.h: retry_delay × retry_backoff^attempt ×
// (1 + U(-jitter, +jitter)), proportional jitter in the style of the teacher's
// rand.N-based startup jitter.
func backoffDelay(policy domain.RetryPolicy, attempt int) time.Duration {
	base := float64(policy.RetryDelay)
	for i := 0; i < attempt; i++ {
		base *= policy.RetryBackoff
	}
	if policy.RetryJitter > 0 {
		spread := policy.RetryJitter * (rand.Float64()*2 - 1)
		base *= 1 + spread
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// runOnce runs the subprocess exactly once: spawn, wait for exit or
// deadline or cancellation, and classify the outcome.
func (r *Runner) runOnce(ctx context.Context, applicationName string, runID, attemptID int64, spec domain.JobSpec, env map[string]string, workingDir string, cancel <-chan struct{}) (domain.JobStatus, int, string) {
	logFile, closeLog, err := r.openLogFile(applicationName, runID, attemptID, spec.ID)
	if err != nil {
		return domain.JobError, -1, fmt.Sprintf("spawn failed: %v", err)
	}
	defer closeLog()

	cmd := exec.Command("/bin/sh", "-c", spec.Command)
	cmd.Dir = workingDir
	cmd.Env = ToSlice(env)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return domain.JobError, -1, fmt.Sprintf("spawn failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var deadline <-chan time.Time
	if spec.TimeoutSeconds > 0 {
		timer := time.NewTimer(time.Duration(spec.TimeoutSeconds) * time.Second)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-done:
		if err == nil {
			return domain.JobSuccess, 0, ""
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return domain.JobFailed, exitErr.ExitCode(), fmt.Sprintf("exit code %d", exitErr.ExitCode())
		}
		return domain.JobError, -1, err.Error()

	case <-deadline:
		r.killGroup(cmd, done)
		return domain.JobTimeout, -1, "timeout exceeded"

	case <-cancel:
		r.killGroup(cmd, done)
		return domain.JobError, -1, "cancelled"

	case <-ctx.Done():
		r.killGroup(cmd, done)
		return domain.JobError, -1, ctx.Err().Error()
	}
}

// killGroup sends a terminate signal to the job's process group, waits up
// to killGrace for the process to exit (reported on done), then sends a
// kill signal, per §4.5.1.b/§5, and returns once the process has been
// reaped. The actual signals are platform-specific (see process_unix.go /
// process_windows.go).
func (r *Runner) killGroup(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	terminateGroup(pid, terminateSignal)
	select {
	case <-done:
		return
	case <-time.After(killGrace):
	}
	terminateGroup(pid, killSignal)
	<-done
}

func (r *Runner) openLogFile(applicationName string, runID, attemptID int64, jobID string) (*os.File, func(), error) {
	if r.LogDir == "" {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { f.Close() }, nil
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return nil, nil, err
	}
	name := fmt.Sprintf("%s.%d.%d.%s.log", applicationName, runID, attemptID, jobID)
	f, err := os.OpenFile(filepath.Join(r.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// runChecks executes checks in declaration order; the first failure
// short-circuits and is returned as a domain.CheckFailure. Neither pre-
// nor post-checks are retried, per §4.5.4.
func (r *Runner) runChecks(ctx context.Context, checks []domain.CheckInvocation, phase string, env map[string]string, workingDir string) error {
	for _, check := range checks {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", check.Command)
		cmd.Dir = workingDir
		cmd.Env = ToSlice(env)
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = &out
		if err := cmd.Run(); err != nil {
			return domain.CheckFailure{CheckName: check.Name, Phase: phase, Err: fmt.Errorf("%s: %s", err, out.String())}
		}
	}
	return nil
}
