// Package history implements the History Manager (C2): allocation of run
// and attempt ids, attempt open/close, per-job row upserts, and the
// latest-status/last-exit-code lookups the resume engine depends on.
// Grounded on the operation shape of the teacher's GenerationCoordinator
// interface (internal/application/worker/coordinator.go), reimplemented
// directly over database/sql rather than sqlc-generated queries since no
// such generated package is available.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rezkam/flowrunner/internal/domain"
	"github.com/rezkam/flowrunner/internal/store"
)

// Manager is the C2 History Manager, bound to one Store.
type Manager struct {
	store *store.Store
}

// New returns a Manager backed by s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// AllocateRunID returns 1 + max(run_id) across run_summary and
// job_history, inside a single transaction. Never reuses ids.
func (m *Manager) AllocateRunID(ctx context.Context) (int64, error) {
	var runID int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, m.store.Bind(`
			SELECT COALESCE(MAX(max_id), 0) FROM (
				SELECT MAX(run_id) AS max_id FROM run_summary
				UNION ALL
				SELECT MAX(run_id) AS max_id FROM job_history
			) combined`))
		var maxID sql.NullInt64
		if err := row.Scan(&maxID); err != nil {
			return fmt.Errorf("allocate_run_id: %w", err)
		}
		runID = maxID.Int64 + 1
		return nil
	})
	if err != nil {
		return 0, domain.StoreError{Op: "allocate_run_id", Err: err}
	}
	return runID, nil
}

// NextAttemptID returns 1 + max(attempt_id) for runID, or 1 if the run
// has no prior attempts.
func (m *Manager) NextAttemptID(ctx context.Context, runID int64) (int64, error) {
	var attemptID int64
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			m.store.Bind(`SELECT COALESCE(MAX(attempt_id), 0) FROM run_summary WHERE run_id = ?`), runID)
		var maxID sql.NullInt64
		if err := row.Scan(&maxID); err != nil {
			return fmt.Errorf("next_attempt_id: %w", err)
		}
		attemptID = maxID.Int64 + 1
		return nil
	})
	if err != nil {
		return 0, domain.StoreError{Op: "next_attempt_id", Err: err}
	}
	return attemptID, nil
}

// OpenAttempt inserts a new run_summary row with status RUNNING and
// zeroed counters. Returns domain.ErrStoreConflict if (runID, attemptID)
// already exists.
func (m *Manager) OpenAttempt(ctx context.Context, runID, attemptID int64, applicationName, workingDir string, totalJobs int, triggeredBy domain.TriggerSource) error {
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, m.store.Bind(`
			INSERT INTO run_summary
				(run_id, attempt_id, application_name, working_dir, start_time, status, total_jobs, successful_jobs, failed_jobs, skipped_jobs, triggered_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?)`),
			runID, attemptID, applicationName, workingDir, time.Now().UTC(), string(domain.AttemptRunning), totalJobs, string(triggeredBy))
		return err
	})
	if err != nil {
		if store.IsConflict(err) {
			return domain.ErrStoreConflict
		}
		return domain.StoreError{Op: "open_attempt", Err: err}
	}
	return nil
}

// CloseAttempt updates the attempt row with its final status, counters
// and end time. Idempotent on identical inputs.
func (m *Manager) CloseAttempt(ctx context.Context, runID, attemptID int64, status domain.AttemptStatus, counters domain.Counters, endTime time.Time) error {
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, m.store.Bind(`
			UPDATE run_summary
			SET status = ?, total_jobs = ?, successful_jobs = ?, failed_jobs = ?, skipped_jobs = ?, end_time = ?
			WHERE run_id = ? AND attempt_id = ?`),
			string(status), counters.Total, counters.Successful, counters.Failed, counters.Skipped, endTime,
			runID, attemptID)
		return err
	})
	if err != nil {
		return domain.StoreError{Op: "close_attempt", Err: err}
	}
	return nil
}

// UpsertJobRow inserts or updates the job_history row for (runID,
// attemptID, row.JobID). Status transitions are the caller's
// responsibility (Job Runner is the sole writer of a given row).
func (m *Manager) UpsertJobRow(ctx context.Context, row domain.JobHistoryRow) error {
	historyJSON, err := json.Marshal(row.RetryHistory)
	if err != nil {
		return fmt.Errorf("upsert_job_row: marshal retry_history: %w", err)
	}

	err = m.store.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, m.store.Bind(`
			INSERT INTO job_history
				(run_id, attempt_id, job_id, command, status, start_time, end_time, duration_seconds, exit_code, retry_count, retry_history, fail_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (run_id, attempt_id, job_id) DO UPDATE SET
				command = excluded.command,
				status = excluded.status,
				start_time = excluded.start_time,
				end_time = excluded.end_time,
				duration_seconds = excluded.duration_seconds,
				exit_code = excluded.exit_code,
				retry_count = excluded.retry_count,
				retry_history = excluded.retry_history,
				fail_reason = excluded.fail_reason`),
			row.RunID, row.AttemptID, row.JobID, row.Command, string(row.Status),
			row.StartTime, row.EndTime, row.DurationSeconds(), row.ExitCode,
			row.RetryCount, string(historyJSON), row.FailReason)
		return err
	})
	if err != nil {
		return domain.StoreError{Op: "upsert_job_row", Err: err}
	}
	return nil
}

// LatestStatusPerJob returns, for each job_id that has any row under
// runID, the status from the attempt with the greatest attempt_id.
func (m *Manager) LatestStatusPerJob(ctx context.Context, runID int64) (map[string]domain.JobStatus, error) {
	result := make(map[string]domain.JobStatus)
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, m.store.Bind(`
			SELECT jh.job_id, jh.status
			FROM job_history jh
			INNER JOIN (
				SELECT job_id, MAX(attempt_id) AS max_attempt
				FROM job_history
				WHERE run_id = ?
				GROUP BY job_id
			) latest ON jh.job_id = latest.job_id AND jh.attempt_id = latest.max_attempt
			WHERE jh.run_id = ?`), runID, runID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var jobID, status string
			if err := rows.Scan(&jobID, &status); err != nil {
				return err
			}
			result[jobID] = domain.JobStatus(status)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, domain.StoreError{Op: "latest_status_per_job", Err: err}
	}
	return result, nil
}

// AttemptSummary is one run_summary row, as surfaced by --list-runs and
// --show-run.
type AttemptSummary struct {
	domain.Attempt
}

// ListRuns returns the latest attempt of every run, optionally filtered
// to one applicationName (empty matches all), newest run first.
func (m *Manager) ListRuns(ctx context.Context, applicationName string) ([]AttemptSummary, error) {
	var out []AttemptSummary
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT rs.run_id, rs.attempt_id, rs.application_name, rs.working_dir,
				rs.start_time, rs.end_time, rs.status, rs.total_jobs,
				rs.successful_jobs, rs.failed_jobs, rs.skipped_jobs, rs.triggered_by
			FROM run_summary rs
			INNER JOIN (
				SELECT run_id, MAX(attempt_id) AS max_attempt
				FROM run_summary
				GROUP BY run_id
			) latest ON rs.run_id = latest.run_id AND rs.attempt_id = latest.max_attempt`
		args := []any{}
		if applicationName != "" {
			query += " WHERE rs.application_name = ?"
			args = append(args, applicationName)
		}
		query += " ORDER BY rs.run_id DESC"

		rows, err := tx.QueryContext(ctx, m.store.Bind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAttempt(rows)
			if err != nil {
				return err
			}
			out = append(out, AttemptSummary{Attempt: a})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, domain.StoreError{Op: "list_runs", Err: err}
	}
	return out, nil
}

// GetAttempt returns the latest attempt for runID, plus every job_history
// row belonging to that attempt, for --show-run.
func (m *Manager) GetAttempt(ctx context.Context, runID int64) (domain.Attempt, []domain.JobHistoryRow, error) {
	var attempt domain.Attempt
	var jobRows []domain.JobHistoryRow
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, m.store.Bind(`
			SELECT run_id, attempt_id, application_name, working_dir,
				start_time, end_time, status, total_jobs,
				successful_jobs, failed_jobs, skipped_jobs, triggered_by
			FROM run_summary
			WHERE run_id = ?
			ORDER BY attempt_id DESC
			LIMIT 1`), runID)
		a, err := scanAttempt(row)
		if err != nil {
			return err
		}
		attempt = a

		rows, err := tx.QueryContext(ctx, m.store.Bind(`
			SELECT run_id, attempt_id, job_id, command, status, start_time, end_time,
				exit_code, retry_count, retry_history, fail_reason
			FROM job_history
			WHERE run_id = ? AND attempt_id = ?
			ORDER BY job_id`), runID, attempt.AttemptID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r domain.JobHistoryRow
			var status, historyJSON string
			var start, end sql.NullTime
			var exitCode sql.NullInt64
			if err := rows.Scan(&r.RunID, &r.AttemptID, &r.JobID, &r.Command, &status,
				&start, &end, &exitCode, &r.RetryCount, &historyJSON, &r.FailReason); err != nil {
				return err
			}
			r.Status = domain.JobStatus(status)
			if start.Valid {
				t := start.Time
				r.StartTime = &t
			}
			if end.Valid {
				t := end.Time
				r.EndTime = &t
			}
			if exitCode.Valid {
				v := int(exitCode.Int64)
				r.ExitCode = &v
			}
			if err := json.Unmarshal([]byte(historyJSON), &r.RetryHistory); err != nil {
				return fmt.Errorf("get_attempt: unmarshal retry_history for job %q: %w", r.JobID, err)
			}
			jobRows = append(jobRows, r)
		}
		return rows.Err()
	})
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Attempt{}, nil, domain.StoreError{Op: "get_attempt", Err: fmt.Errorf("run %d not found", runID)}
		}
		return domain.Attempt{}, nil, domain.StoreError{Op: "get_attempt", Err: err}
	}
	return attempt, jobRows, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAttempt(row scannable) (domain.Attempt, error) {
	var a domain.Attempt
	var status, triggeredBy string
	var end sql.NullTime
	if err := row.Scan(&a.RunID, &a.AttemptID, &a.ApplicationName, &a.WorkingDir,
		&a.StartedAt, &end, &status, &a.TotalJobs, &a.Successful, &a.Failed, &a.Skipped, &triggeredBy); err != nil {
		return domain.Attempt{}, err
	}
	a.Status = domain.AttemptStatus(status)
	a.TriggeredBy = domain.TriggerSource(triggeredBy)
	if end.Valid {
		t := end.Time
		a.EndedAt = &t
	}
	return a, nil
}

// MarkSuccess implements --mark-success: atomically rewrites the latest
// job_history row for each of jobIDs under runID to SUCCESS, for jobs a
// human has verified succeeded out-of-band. Unknown job ids are reported
// but do not abort the ids that do exist.
func (m *Manager) MarkSuccess(ctx context.Context, runID int64, jobIDs []string) ([]string, error) {
	var missing []string
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, jobID := range jobIDs {
			row := tx.QueryRowContext(ctx, m.store.Bind(`
				SELECT MAX(attempt_id) FROM job_history WHERE run_id = ? AND job_id = ?`), runID, jobID)
			var attemptID sql.NullInt64
			if err := row.Scan(&attemptID); err != nil {
				return err
			}
			if !attemptID.Valid {
				missing = append(missing, jobID)
				continue
			}
			if _, err := tx.ExecContext(ctx, m.store.Bind(`
				UPDATE job_history
				SET status = ?, fail_reason = ''
				WHERE run_id = ? AND attempt_id = ? AND job_id = ?`),
				string(domain.JobSuccess), runID, attemptID.Int64, jobID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, domain.StoreError{Op: "mark_success", Err: err}
	}
	return missing, nil
}

// LastExitCode returns the exit code of the most recent job_history row
// for (runID, jobID), or nil if the job has no row or the row has no
// recorded exit code.
func (m *Manager) LastExitCode(ctx context.Context, runID int64, jobID string) (*int, error) {
	var exitCode *int
	err := m.store.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, m.store.Bind(`
			SELECT exit_code FROM job_history
			WHERE run_id = ? AND job_id = ?
			ORDER BY attempt_id DESC
			LIMIT 1`), runID, jobID)
		var ec sql.NullInt64
		if err := row.Scan(&ec); err != nil {
			if err == sql.ErrNoRows {
				return nil
			}
			return err
		}
		if ec.Valid {
			v := int(ec.Int64)
			exitCode = &v
		}
		return nil
	})
	if err != nil {
		return nil, domain.StoreError{Op: "last_exit_code", Err: err}
	}
	return exitCode, nil
}
