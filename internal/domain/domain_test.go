package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRetry(t *testing.T) {
	base := RetryPolicy{
		MaxRetries:    2,
		RetryOnStatus: map[JobStatus]bool{JobFailed: true, JobTimeout: true},
	}

	t.Run("retries on admitted status within budget", func(t *testing.T) {
		assert.True(t, base.ShouldRetry(0, JobFailed, 1, 0))
	})

	t.Run("refuses once attempt budget is exhausted", func(t *testing.T) {
		assert.False(t, base.ShouldRetry(2, JobFailed, 1, 0))
	})

	t.Run("refuses a status not in RetryOnStatus", func(t *testing.T) {
		assert.False(t, base.ShouldRetry(0, JobError, 1, 0))
	})

	t.Run("exit code filter gates retry when non-empty", func(t *testing.T) {
		p := base
		p.RetryOnExitCodes = map[int]bool{1: true}
		assert.True(t, p.ShouldRetry(0, JobFailed, 1, 0))
		assert.False(t, p.ShouldRetry(0, JobFailed, 2, 0))
	})

	t.Run("empty exit code filter admits any code", func(t *testing.T) {
		assert.True(t, base.ShouldRetry(0, JobFailed, 255, 0))
	})

	t.Run("wall clock budget cuts off retries", func(t *testing.T) {
		p := base
		p.MaxRetryTime = 10 * time.Second
		assert.True(t, p.ShouldRetry(0, JobFailed, 1, 9*time.Second))
		assert.False(t, p.ShouldRetry(0, JobFailed, 1, 10*time.Second))
	})

	t.Run("zero wall clock budget means unbounded", func(t *testing.T) {
		assert.True(t, base.ShouldRetry(0, JobFailed, 1, 365*24*time.Hour))
	})
}

func TestRetryPolicyFrom(t *testing.T) {
	spec := JobSpec{
		RetryDelaySeconds:   1.5,
		MaxRetryTimeSeconds: 30,
		RetryOnStatus:       []JobStatus{JobFailed, JobTimeout},
		RetryOnExitCodes:    []int{1, 2},
	}
	p := RetryPolicyFrom(spec)
	assert.Equal(t, 1500*time.Millisecond, p.RetryDelay)
	assert.Equal(t, 30*time.Second, p.MaxRetryTime)
	assert.True(t, p.RetryOnStatus[JobFailed])
	assert.True(t, p.RetryOnStatus[JobTimeout])
	assert.True(t, p.RetryOnExitCodes[1])
	assert.True(t, p.RetryOnExitCodes[2])
	assert.False(t, p.RetryOnExitCodes[3])
}

func TestDeriveStatus(t *testing.T) {
	t.Run("interrupted wins regardless of counters", func(t *testing.T) {
		got := DeriveStatus(true, Counters{Total: 3, Successful: 3})
		assert.Equal(t, AttemptInterrupted, got)
	})

	t.Run("any failure makes the attempt failed", func(t *testing.T) {
		got := DeriveStatus(false, Counters{Total: 3, Successful: 2, Failed: 1})
		assert.Equal(t, AttemptFailed, got)
	})

	t.Run("full coverage with no failures is success", func(t *testing.T) {
		got := DeriveStatus(false, Counters{Total: 3, Successful: 2, Skipped: 1})
		assert.Equal(t, AttemptSuccess, got)
	})

	t.Run("partial coverage with no failures is partial", func(t *testing.T) {
		got := DeriveStatus(false, Counters{Total: 3, Successful: 1, Skipped: 1})
		assert.Equal(t, AttemptPartial, got)
	})
}

func TestJobStatusClassification(t *testing.T) {
	assert.True(t, JobSuccess.IsTerminal())
	assert.True(t, JobSkipped.IsTerminal())
	assert.False(t, JobRunning.IsTerminal())
	assert.False(t, JobQueued.IsTerminal())

	assert.True(t, JobSuccess.IsTerminalSuccess())
	assert.True(t, JobSkipped.IsTerminalSuccess())
	assert.False(t, JobFailed.IsTerminalSuccess())

	assert.True(t, JobFailed.IsTerminalFailed())
	assert.True(t, JobError.IsTerminalFailed())
	assert.True(t, JobTimeout.IsTerminalFailed())
	assert.False(t, JobSkipped.IsTerminalFailed())
}

func TestAttemptStatusExitCode(t *testing.T) {
	assert.Equal(t, 0, AttemptSuccess.ExitCode())
	assert.Equal(t, 130, AttemptInterrupted.ExitCode())
	assert.Equal(t, 1, AttemptFailed.ExitCode())
	assert.Equal(t, 1, AttemptPartial.ExitCode())
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "job-id", JobSpec{ID: "job-id"}.DisplayName())
	assert.Equal(t, "Nice Label", JobSpec{ID: "job-id", Label: "Nice Label"}.DisplayName())
}
