package runner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/flowrunner/internal/domain"
)

type recordingWriter struct {
	rows []domain.JobHistoryRow
}

func (w *recordingWriter) WriteRow(_ context.Context, row domain.JobHistoryRow) error {
	w.rows = append(w.rows, row)
	return nil
}

func TestRunSuccess(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{ID: "a", Command: "exit 0"}

	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	assert.Equal(t, domain.JobSuccess, row.Status)
	require.NotNil(t, row.ExitCode)
	assert.Equal(t, 0, *row.ExitCode)
	assert.Equal(t, 0, row.RetryCount)
	require.Len(t, row.RetryHistory, 1)
}

func TestRunFailureNoRetryByDefault(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{ID: "a", Command: "exit 7"}

	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	assert.Equal(t, domain.JobFailed, row.Status)
	require.NotNil(t, row.ExitCode)
	assert.Equal(t, 7, *row.ExitCode)
	assert.Equal(t, 0, row.RetryCount, "MaxRetries defaults to zero, no retry configured")
}

func TestRunRetriesUntilSuccessOrBudget(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{
		ID:                "a",
		Command:           "exit 1",
		MaxRetries:        2,
		RetryDelaySeconds: 0,
		RetryBackoff:      1,
		RetryOnStatus:     []domain.JobStatus{domain.JobFailed},
	}

	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	assert.Equal(t, domain.JobFailed, row.Status)
	assert.Equal(t, 2, row.RetryCount, "exhausts the two configured retries")
	assert.Len(t, row.RetryHistory, 3, "initial attempt plus two retries")
}

func TestRunPreCheckFailureSkipsCommand(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{
		ID:      "a",
		Command: "exit 0",
		PreChecks: []domain.CheckInvocation{
			{Name: "disk-space", Command: "exit 1"},
		},
	}

	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	assert.Equal(t, domain.JobFailed, row.Status)
	assert.Contains(t, row.FailReason, "disk-space")
}

func TestRunPostCheckFailureReclassifiesSuccess(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{
		ID:      "a",
		Command: "exit 0",
		PostChecks: []domain.CheckInvocation{
			{Name: "verify-output", Command: "exit 1"},
		},
	}

	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	assert.Equal(t, domain.JobFailed, row.Status)
	assert.Contains(t, row.FailReason, "verify-output")
}

func TestRunTimeout(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{ID: "a", Command: "sleep 5", TimeoutSeconds: 1}

	start := time.Now()
	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	assert.Equal(t, domain.JobTimeout, row.Status)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestRunCancellation(t *testing.T) {
	r := New(t.TempDir())
	w := &recordingWriter{}
	spec := domain.JobSpec{ID: "a", Command: "sleep 5"}
	cancel := make(chan struct{})
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(cancel)
	}()

	row := r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, cancel)

	assert.Equal(t, domain.JobError, row.Status)
	assert.Equal(t, "cancelled", row.FailReason)
}

func TestRunWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	r := New(dir)
	w := &recordingWriter{}
	spec := domain.JobSpec{ID: "a", Command: "echo hello"}

	r.Run(context.Background(), "app", 1, 1, spec, map[string]string{}, t.TempDir(), w, nil)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.1.1.a.log", entries[0].Name())
}
