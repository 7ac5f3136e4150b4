// Package e2e drives full attempts (config load -> validate -> state ->
// queue/runner/orchestrator -> history) against a real SQLite file,
// mirroring the teacher's tests/e2e layout and its "boot the real stack,
// assert on observed behavior" style.
package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/flowrunner/internal/config"
	"github.com/rezkam/flowrunner/internal/domain"
	"github.com/rezkam/flowrunner/internal/history"
	"github.com/rezkam/flowrunner/internal/orchestrator"
	"github.com/rezkam/flowrunner/internal/queue"
	"github.com/rezkam/flowrunner/internal/runner"
	"github.com/rezkam/flowrunner/internal/state"
	"github.com/rezkam/flowrunner/internal/store"
	"github.com/rezkam/flowrunner/internal/validate"
)

// attemptResult bundles what a scenario asserts on: the derived attempt
// status and the full job history for that run.
type attemptResult struct {
	runID   int64
	status  domain.AttemptStatus
	history *history.Manager
	rows    map[string]domain.JobHistoryRow
}

// runConfig executes one full attempt over a config file, against the
// database at dbPath, with no CLI overrides. It is the test-side equivalent of
// cmd/flowrunner's runAttempt, stripped of CLI and observability
// plumbing so scenarios can assert directly on the result.
func runConfig(t *testing.T, ctx context.Context, dbPath, configPath string, resumeRunID *int64, resumeMode state.ResumeMode) attemptResult {
	t.Helper()
	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	require.Empty(t, validate.MissingDependencies(cfg.Jobs))
	require.Nil(t, validate.DetectCycle(cfg.Jobs))

	st, err := store.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hist := history.New(st)
	stateMgr := state.New(hist)

	jobIDs := make([]string, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		jobIDs[i] = j.ID
	}

	init, err := stateMgr.Initialize(ctx, cfg.ApplicationName, cfg.WorkingDir, jobIDs, resumeRunID, resumeMode)
	require.NoError(t, err)

	q := queue.New(cfg.Jobs)
	q.Seed(init.SkipSet)

	r := runner.New(t.TempDir())
	orchCfg := orchestrator.Config{
		Parallel:        cfg.Parallel,
		MaxWorkers:      cfg.MaxWorkers,
		ContinueOnError: cfg.ContinueOnError,
		ApplicationName: cfg.ApplicationName,
		WorkingDir:      cfg.WorkingDir,
		RunID:           init.RunID,
		AttemptID:       init.AttemptID,
	}
	envFunc := func(spec domain.JobSpec) map[string]string {
		return runner.BuildEnv(cfg.BaseEnvPolicy, cfg.AppEnv, spec.Env, nil)
	}
	orch := orchestrator.New(cfg.Jobs, q, r, hist, orchCfg, envFunc, nil)

	interrupted := orch.Run(ctx)

	snap := q.Snapshot()
	status, err := stateMgr.Finish(ctx, init.RunID, init.AttemptID, len(jobIDs), snap.Completed, snap.Failed, snap.Skipped, interrupted)
	require.NoError(t, err)

	_, jobRows, err := hist.GetAttempt(ctx, init.RunID)
	require.NoError(t, err)
	rows := make(map[string]domain.JobHistoryRow, len(jobRows))
	for _, row := range jobRows {
		rows[row.JobID] = row
	}

	return attemptResult{runID: init.RunID, status: status, history: hist, rows: rows}
}

func writeConfig(t *testing.T, workDir, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flow.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func dbPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "flowrunner.db")
}

// S1: linear three-job success, executed in dependency order.
func TestLinearThreeJobSuccess(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	body := `{
		"application_name": "s1",
		"working_dir": "` + workDir + `",
		"jobs": [
			{"id": "a", "command": "echo a"},
			{"id": "b", "command": "echo b", "dependencies": ["a"]},
			{"id": "c", "command": "echo c", "dependencies": ["b"]}
		]
	}`
	result := runConfig(t, ctx, dbPath(t), writeConfig(t, workDir, body), nil, state.ResumeNormal)

	assert.Equal(t, domain.AttemptSuccess, result.status)
	require.Len(t, result.rows, 3)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, domain.JobSuccess, result.rows[id].Status)
	}
	// b cannot start before a completes, nor c before b, since PopReady
	// only yields jobs whose dependencies are already completed.
	assert.True(t, result.rows["a"].EndTime.Before(*result.rows["b"].StartTime) || result.rows["a"].EndTime.Equal(*result.rows["b"].StartTime))
	assert.True(t, result.rows["b"].EndTime.Before(*result.rows["c"].StartTime) || result.rows["b"].EndTime.Equal(*result.rows["c"].StartTime))
}

// S2: a failed job skips every transitive dependent; its already
// successful upstream keeps its SUCCESS row.
func TestDependencyFailurePropagation(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	body := `{
		"application_name": "s2",
		"working_dir": "` + workDir + `",
		"continue_on_error": true,
		"jobs": [
			{"id": "a", "command": "exit 0"},
			{"id": "b", "command": "exit 1", "dependencies": ["a"], "max_retries": 0},
			{"id": "c", "command": "exit 0", "dependencies": ["b"]}
		]
	}`
	result := runConfig(t, ctx, dbPath(t), writeConfig(t, workDir, body), nil, state.ResumeNormal)

	assert.Equal(t, domain.AttemptFailed, result.status)
	assert.Equal(t, domain.JobSuccess, result.rows["a"].Status)
	assert.Equal(t, domain.JobFailed, result.rows["b"].Status)
	assert.Equal(t, domain.JobSkipped, result.rows["c"].Status)
	assert.Equal(t, "dependency failed", result.rows["c"].FailReason)
}

// S3: a job that fails twice then succeeds records three retry_history
// entries and a final SUCCESS.
func TestRetrySucceedsOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	counterFile := filepath.Join(workDir, "attempts")
	require.NoError(t, os.WriteFile(counterFile, []byte("0"), 0o644))

	script := filepath.Join(workDir, "flaky.sh")
	require.NoError(t, os.WriteFile(script, []byte(`#!/bin/sh
n=$(cat "`+counterFile+`")
n=$((n + 1))
echo "$n" > "`+counterFile+`"
if [ "$n" -lt 3 ]; then exit 1; fi
exit 0
`), 0o755))

	body := `{
		"application_name": "s3",
		"working_dir": "` + workDir + `",
		"jobs": [
			{"id": "r", "command": "` + script + `", "max_retries": 2, "retry_on_exit_codes": [1]}
		]
	}`
	result := runConfig(t, ctx, dbPath(t), writeConfig(t, workDir, body), nil, state.ResumeNormal)

	assert.Equal(t, domain.AttemptSuccess, result.status)
	row := result.rows["r"]
	assert.Equal(t, domain.JobSuccess, row.Status)
	assert.Equal(t, 2, row.RetryCount)
	require.Len(t, row.RetryHistory, 3)
	assert.Equal(t, []int{1, 1, 0}, []int{row.RetryHistory[0].ExitCode, row.RetryHistory[1].ExitCode, row.RetryHistory[2].ExitCode})
}

// S4: a command exceeding its timeout is killed and reported TIMEOUT
// well inside the kill grace period.
func TestTimeout(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	body := `{
		"application_name": "s4",
		"working_dir": "` + workDir + `",
		"jobs": [
			{"id": "t", "command": "sleep 10", "timeout_seconds": 1}
		]
	}`
	start := time.Now()
	result := runConfig(t, ctx, dbPath(t), writeConfig(t, workDir, body), nil, state.ResumeNormal)
	elapsed := time.Since(start)

	assert.Equal(t, domain.JobTimeout, result.rows["t"].Status)
	assert.Less(t, elapsed, 10*time.Second, "the runner must kill the process group rather than waiting out sleep 10")
}

// S5: resuming a run whose first attempt left a job FAILED re-executes
// only the unresolved portion of the graph, skipping the already-SUCCESS
// job and running the newly added dependent.
func TestResumeAfterPartialFailure(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	db := dbPath(t)

	firstBody := `{
		"application_name": "s5",
		"working_dir": "` + workDir + `",
		"continue_on_error": true,
		"jobs": [
			{"id": "a", "command": "exit 0"},
			{"id": "b", "command": "exit 1", "dependencies": ["a"], "max_retries": 0}
		]
	}`
	first := runConfig(t, ctx, db, writeConfig(t, workDir, firstBody), nil, state.ResumeNormal)
	require.Equal(t, domain.AttemptFailed, first.status)
	require.Equal(t, domain.JobSuccess, first.rows["a"].Status)
	require.Equal(t, domain.JobFailed, first.rows["b"].Status)

	secondBody := `{
		"application_name": "s5",
		"working_dir": "` + workDir + `",
		"jobs": [
			{"id": "a", "command": "exit 0"},
			{"id": "b", "command": "exit 0", "dependencies": ["a"]},
			{"id": "c", "command": "exit 0", "dependencies": ["b"]}
		]
	}`
	runID := first.runID
	second := runConfig(t, ctx, db, writeConfig(t, workDir, secondBody), &runID, state.ResumeNormal)

	assert.Equal(t, domain.AttemptSuccess, second.status)
	assert.Equal(t, runID, second.runID, "resume reuses the original run id")
	_, hasRow := second.rows["a"]
	assert.False(t, hasRow, "a is seeded into completed by resume's skip-set and never re-queued, so attempt 2 writes no row for it")
	assert.Equal(t, domain.JobSuccess, second.rows["b"].Status)
	assert.Equal(t, domain.JobSuccess, second.rows["c"].Status)

	statuses, err := second.history.LatestStatusPerJob(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobSuccess, statuses["a"], "a's authoritative status still comes from attempt 1's row")
}

// S6: four independent sleeps under a four-wide worker pool finish in
// roughly one sleep's duration rather than the sum of all four.
func TestParallelIndependentJobs(t *testing.T) {
	ctx := context.Background()
	workDir := t.TempDir()
	body := `{
		"application_name": "s6",
		"working_dir": "` + workDir + `",
		"parallel": true,
		"max_workers": 4,
		"jobs": [
			{"id": "a", "command": "sleep 1"},
			{"id": "b", "command": "sleep 1"},
			{"id": "c", "command": "sleep 1"},
			{"id": "d", "command": "sleep 1"}
		]
	}`
	start := time.Now()
	result := runConfig(t, ctx, dbPath(t), writeConfig(t, workDir, body), nil, state.ResumeNormal)
	elapsed := time.Since(start)

	assert.Equal(t, domain.AttemptSuccess, result.status)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, domain.JobSuccess, result.rows[id].Status)
	}
	assert.Less(t, elapsed, 3*time.Second, "four 1s jobs under max_workers=4 should run concurrently, not serially")
}
