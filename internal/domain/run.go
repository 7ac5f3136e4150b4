package domain

import "time"

// Run is an execution attempt-series for one configuration. The run_id is
// allocated once (or reused across resumes) and never reassigned.
type Run struct {
	RunID           int64
	ApplicationName string
	WorkingDir      string
	CreatedAt       time.Time
}

// TriggerSource records how an attempt was started, for display by
// --show-run. Not part of the distilled spec; a natural audit field for a
// complete implementation.
type TriggerSource string

const (
	TriggeredByCLI    TriggerSource = "cli"
	TriggeredByResume TriggerSource = "resume"
)

// Attempt is one pass of execution under a given run_id.
type Attempt struct {
	RunID           int64
	AttemptID       int64
	ApplicationName string
	StartedAt       time.Time
	EndedAt         *time.Time
	Status          AttemptStatus
	TotalJobs       int
	Successful      int
	Failed          int
	Skipped         int
	WorkingDir      string

	TriggeredBy TriggerSource
}

// Counters bundles the per-attempt job counters passed to close_attempt.
type Counters struct {
	Total      int
	Successful int
	Failed     int
	Skipped    int
}

// DeriveStatus implements the attempt status rule of spec.md §4.4: an
// interrupted run is always INTERRUPTED regardless of counters; otherwise
// any failure makes the attempt FAILED; full coverage with no failures is
// SUCCESS; partial coverage with no failures is PARTIAL (jobs that never
// ran, which should only happen alongside an interrupt).
func DeriveStatus(interrupted bool, counters Counters) AttemptStatus {
	switch {
	case interrupted:
		return AttemptInterrupted
	case counters.Failed > 0:
		return AttemptFailed
	case counters.Successful+counters.Skipped == counters.Total:
		return AttemptSuccess
	default:
		return AttemptPartial
	}
}
