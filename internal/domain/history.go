package domain

import "time"

// RetryRecord is one entry in a JobHistoryRow's retry_history: spec.md
// §7 requires one entry per execution attempt of the command, including
// the final one, whether it succeeded or not.
type RetryRecord struct {
	Ordinal   int       `json:"ordinal"`
	Timestamp time.Time `json:"timestamp"`
	Status    JobStatus `json:"status"`
	ExitCode  int       `json:"exit_code"`
	Error     string    `json:"error,omitempty"`
}

// JobHistoryRow is the one record per (run, attempt, job) actually
// observed. For a given (run_id, job_id), the row from the
// greatest attempt_id is authoritative; a SUCCESS row is never overwritten
// by a later attempt in the same run (resume policy, §4.6/§4.8).
type JobHistoryRow struct {
	RunID     int64
	AttemptID int64
	JobID     string

	Command string
	Status  JobStatus

	StartTime *time.Time
	EndTime   *time.Time
	ExitCode  *int

	RetryCount   int
	RetryHistory []RetryRecord

	// FailReason carries a short classification ("dependency failed",
	// "pre-check X failed", "cancelled", ...) for jobs that did not reach
	// SUCCESS, used by the Queue Manager's failed_reasons bookkeeping and
	// surfaced by --show-run.
	FailReason string
}

// DurationSeconds returns the row's end_time - start_time in seconds, or
// 0 if either timestamp is unset.
func (r JobHistoryRow) DurationSeconds() float64 {
	if r.StartTime == nil || r.EndTime == nil {
		return 0
	}
	return r.EndTime.Sub(*r.StartTime).Seconds()
}
