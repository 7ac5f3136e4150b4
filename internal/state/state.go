// Package state implements the State Manager (C4): opening and closing
// the logical run/attempt lifecycle, and the Resume Engine (§4.8) that
// computes a new attempt's skip-set from a prior attempt's history.
// Grounded on the teacher's ReconciliationWorker.reconcileOnce lease
// pattern (bounded retry around a conflict-prone open) in
// internal/application/worker/reconciliation.go.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/rezkam/flowrunner/internal/domain"
	"github.com/rezkam/flowrunner/internal/history"
)

// maxOpenAttemptRetries bounds the next_attempt_id/open_attempt retry
// loop of §4.4 before giving up with ResumeCollision.
const maxOpenAttemptRetries = 5

// ResumeMode selects which prior statuses the Resume Engine treats as
// already satisfied.
type ResumeMode string

const (
	ResumeNormal     ResumeMode = "normal"
	ResumeFailedOnly ResumeMode = "failed_only"
)

// InitResult is what Initialize returns to the caller: identifiers for
// the new attempt plus the computed skip-set.
type InitResult struct {
	RunID     int64
	AttemptID int64
	SkipSet   map[string]bool
	// JobCountDrift is non-empty when resuming and the prior attempt's
	// job count differs from the current config's, a non-fatal §4.8
	// diagnostic for the caller to log.
	JobCountDrift string
}

// Manager is the C4 State Manager, bound to one History Manager.
type Manager struct {
	history *history.Manager
}

// New returns a Manager backed by h.
func New(h *history.Manager) *Manager {
	return &Manager{history: h}
}

// Initialize implements initialize(config, resume_run_id?): allocates or
// reuses a run id, computes the resume skip-set, and opens the attempt.
// jobIDs is the current config's full job id set, used both to seed
// attempt.total_jobs and to compute §4.8's job-count drift diagnostic.
func (m *Manager) Initialize(ctx context.Context, applicationName, workingDir string, jobIDs []string, resumeRunID *int64, mode ResumeMode) (InitResult, error) {
	var runID int64
	var triggeredBy domain.TriggerSource
	skipSet := make(map[string]bool)
	var drift string

	if resumeRunID == nil {
		var err error
		runID, err = m.history.AllocateRunID(ctx)
		if err != nil {
			return InitResult{}, err
		}
		triggeredBy = domain.TriggeredByCLI
	} else {
		runID = *resumeRunID
		triggeredBy = domain.TriggeredByResume

		prior, err := m.history.LatestStatusPerJob(ctx, runID)
		if err != nil {
			return InitResult{}, err
		}
		skipSet = computeSkipSet(jobIDs, prior, mode)
		if len(prior) != len(jobIDs) {
			drift = "job count differs between prior attempt and current configuration"
		}
	}

	var attemptID int64
	for attempt := 0; ; attempt++ {
		next, err := m.history.NextAttemptID(ctx, runID)
		if err != nil {
			return InitResult{}, err
		}
		err = m.history.OpenAttempt(ctx, runID, next, applicationName, workingDir, len(jobIDs), triggeredBy)
		if err == nil {
			attemptID = next
			break
		}
		if !errors.Is(err, domain.ErrStoreConflict) {
			return InitResult{}, err
		}
		if attempt >= maxOpenAttemptRetries-1 {
			return InitResult{}, domain.ErrResumeCollision
		}
		// a concurrent process opened the same attempt id first; retry
		// next_attempt_id/open_attempt, per §4.4.
	}

	return InitResult{RunID: runID, AttemptID: attemptID, SkipSet: skipSet, JobCountDrift: drift}, nil
}

// computeSkipSet implements §4.8's resume skip-set rule. A job id in the
// current config but absent from prior is always eligible to run; a job
// id in prior but absent from the current config is silently ignored.
func computeSkipSet(jobIDs []string, prior map[string]domain.JobStatus, mode ResumeMode) map[string]bool {
	skip := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		status, ran := prior[id]
		switch mode {
		case ResumeFailedOnly:
			if !ran || status.IsTerminalSuccess() {
				skip[id] = true
			}
		default: // ResumeNormal
			if ran && status.IsTerminalSuccess() {
				skip[id] = true
			}
		}
	}
	return skip
}

// Finish implements finish(completed, failed, skipped, interrupted):
// derives the attempt's terminal status and persists it via
// close_attempt.
func (m *Manager) Finish(ctx context.Context, runID, attemptID int64, totalJobs int, completed, failed, skipped map[string]bool, interrupted bool) (domain.AttemptStatus, error) {
	counters := domain.Counters{
		Total:      totalJobs,
		Successful: len(completed),
		Failed:     len(failed),
		Skipped:    len(skipped),
	}
	status := domain.DeriveStatus(interrupted, counters)
	if err := m.history.CloseAttempt(ctx, runID, attemptID, status, counters, time.Now().UTC()); err != nil {
		return status, err
	}
	return status, nil
}
