package domain

import "time"

// CheckInvocation names one pre- or post-check to run around a job's
// command, in declaration order. The concrete evaluation (running the
// check's command or calling into a plugin) belongs to the runner; this
// type only carries what the check is.
type CheckInvocation struct {
	Name    string
	Command string
}

// JobSpec is the immutable description of one unit of work, as declared
// in the job-graph configuration. JobSpecs are created once at config
// load and never mutated afterward.
type JobSpec struct {
	ID    string
	Label string // human-readable name; defaults to ID when empty
	// Command is the shell-like command line executed by the runner.
	Command string
	// Dependencies holds the job ids that must reach a terminal-successful
	// or SKIPPED state before this job becomes ready.
	Dependencies []string

	TimeoutSeconds int
	Env            map[string]string

	MaxRetries          int
	RetryDelaySeconds   float64
	RetryBackoff        float64
	RetryJitter         float64
	MaxRetryTimeSeconds int
	RetryOnStatus       []JobStatus
	RetryOnExitCodes    []int

	PreChecks  []CheckInvocation
	PostChecks []CheckInvocation

	// WorkingDir overrides the attempt's working_dir for this job only.
	// Empty means "use the attempt's working_dir".
	WorkingDir string
}

// DisplayName returns Label if set, otherwise ID.
func (j JobSpec) DisplayName() string {
	if j.Label != "" {
		return j.Label
	}
	return j.ID
}

// RetryPolicy bundles the subset of JobSpec fields the runner's retry loop
// consults, decoupled from JobSpec so it can be unit tested without a full
// spec and so global defaults can be merged in before a run starts.
type RetryPolicy struct {
	MaxRetries       int
	RetryDelay       time.Duration
	RetryBackoff     float64
	RetryJitter      float64
	MaxRetryTime     time.Duration
	RetryOnStatus    map[JobStatus]bool
	RetryOnExitCodes map[int]bool
}

// RetryPolicyFrom builds a RetryPolicy from a JobSpec's raw fields.
func RetryPolicyFrom(j JobSpec) RetryPolicy {
	onStatus := make(map[JobStatus]bool, len(j.RetryOnStatus))
	for _, s := range j.RetryOnStatus {
		onStatus[s] = true
	}
	onCodes := make(map[int]bool, len(j.RetryOnExitCodes))
	for _, c := range j.RetryOnExitCodes {
		onCodes[c] = true
	}
	return RetryPolicy{
		MaxRetries:       j.MaxRetries,
		RetryDelay:       time.Duration(j.RetryDelaySeconds * float64(time.Second)),
		RetryBackoff:     j.RetryBackoff,
		RetryJitter:      j.RetryJitter,
		MaxRetryTime:     time.Duration(j.MaxRetryTimeSeconds) * time.Second,
		RetryOnStatus:    onStatus,
		RetryOnExitCodes: onCodes,
	}
}

// ShouldRetry implements the retry decision of spec.md §4.5.1.g: retry iff
// the attempt count budget remains, the terminal status is one the policy
// retries, the exit code is admitted (or no exit-code filter is configured
// for this status), and the wall-clock budget (when bounded) has not
// elapsed.
func (p RetryPolicy) ShouldRetry(attempt int, status JobStatus, exitCode int, elapsed time.Duration) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if !p.RetryOnStatus[status] {
		return false
	}
	if len(p.RetryOnExitCodes) > 0 && !p.RetryOnExitCodes[exitCode] {
		return false
	}
	if p.MaxRetryTime > 0 && elapsed >= p.MaxRetryTime {
		return false
	}
	return true
}
