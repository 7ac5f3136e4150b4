package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"oss.nandlabs.io/golly/cli"

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

func runCommand() *cli.Command {
	cmd := cli.NewCommand("run", "execute a job-graph configuration", version, runAction)
	cmd.Flags = []*cli.Flag{
		{Name: "config", Usage: "path to the job-graph configuration (JSON or YAML)", Aliases: []string{"c"}, Default: ""},
		{Name: "dry-run", Usage: "compute and print the ready order without executing anything (true/false)", Default: "false"},
		{Name: "skip", Usage: "comma-separated job ids to pre-mark SKIPPED", Default: ""},
		{Name: "env", Usage: "comma-separated KEY=VAL overrides applied on top of the configured environment", Default: ""},
		{Name: "parallel", Usage: "force the bounded worker-pool strategy (true/false)", Default: "false"},
		{Name: "sequential", Usage: "force the serial strategy (true/false)", Default: "false"},
		{Name: "workers", Usage: "override max_workers", Default: ""},
		{Name: "continue-on-error", Usage: "override continue_on_error (true/false)", Default: ""},
		{Name: "resume-from", Usage: "run id to resume", Default: ""},
		{Name: "resume-failed-only", Usage: "resume mode: only rerun jobs that never ran or failed (true/false)", Default: "false"},
	}
	return cmd
}

func runAction(ctx *cli.Context) error {
	configPath, _ := ctx.GetFlag("config")
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "run: --config is required")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}

	applyRunFlags(ctx, cfg)

	if err := validate.Validate(cfg.Jobs); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}

	cliEnv, err := parseEnvOverrides(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	dryRun := flagBool(ctx, "dry-run", false)
	cliSkip := parseIDList(flagString(ctx, "skip", ""))

	if dryRun {
		printDryRun(cfg, cliSkip)
		os.Exit(0)
	}

	os.Exit(runAttempt(cfg, cliSkip, cliEnv, ctx))
	return nil
}

// applyRunFlags layers CLI overrides onto the loaded configuration, per
// spec §6's CLI surface.
func applyRunFlags(ctx *cli.Context, cfg *config.Config) {
	if v, ok := ctx.GetFlag("parallel"); ok && v == "true" {
		cfg.Parallel = true
	}
	if v, ok := ctx.GetFlag("sequential"); ok && v == "true" {
		cfg.Parallel = false
	}
	if v := flagString(ctx, "workers", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxWorkers = n
		}
	}
	if v, ok := ctx.GetFlag("continue-on-error"); ok && v != "" {
		cfg.ContinueOnError = v == "true"
	}
}

func flagString(ctx *cli.Context, name, fallback string) string {
	if v, ok := ctx.GetFlag(name); ok && v != "" {
		return v
	}
	return fallback
}

func flagBool(ctx *cli.Context, name string, fallback bool) bool {
	v, ok := ctx.GetFlag(name)
	if !ok || v == "" {
		return fallback
	}
	return v == "true"
}

func parseIDList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			ids = append(ids, p)
		}
	}
	return ids
}

// parseEnvOverrides parses --env's comma-separated KEY=VAL list.
func parseEnvOverrides(ctx *cli.Context) (map[string]string, error) {
	raw := flagString(ctx, "env", "")
	out := make(map[string]string)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("--env: malformed override %q, want KEY=VAL", pair)
		}
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// printDryRun seeds a throwaway queue against an all-success simulation
// and prints the order jobs would become ready in, per §6's --dry-run.
func printDryRun(cfg *config.Config, cliSkip []string) {
	q := queue.New(cfg.Jobs)
	skipSet := make(map[string]bool, len(cliSkip))
	for _, id := range cliSkip {
		skipSet[id] = true
	}
	q.Seed(skipSet)

	order := 0
	for q.HasReady() || q.HasActive() {
		id, ok := q.PopReady()
		if !ok {
			break
		}
		order++
		fmt.Printf("%d. %s\n", order, id)
		q.MarkComplete(id, domain.JobSuccess, "")
	}
}

func runAttempt(cfg *config.Config, cliSkip []string, cliEnv map[string]string, cliCtx *cli.Context) int {
	ctx, cancel := signalContext()
	defer cancel()

	provider, shutdownObs, err := newObservability(ctx, cfg.ApplicationName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "observability:", err)
		return 1
	}
	defer func() {
		if err := shutdownObs(context.Background()); err != nil {
			slog.Error("observability shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer st.Close()

	hist := history.New(st)
	stateMgr := state.New(hist)

	var resumeRunID *int64
	if v := flagString(cliCtx, "resume-from", ""); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "--resume-from: invalid run id:", err)
			return 2
		}
		resumeRunID = &id
	}
	resumeMode := state.ResumeNormal
	if flagBool(cliCtx, "resume-failed-only", false) {
		resumeMode = state.ResumeFailedOnly
	}

	jobIDs := make([]string, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		jobIDs[i] = j.ID
	}

	init, err := stateMgr.Initialize(ctx, cfg.ApplicationName, cfg.WorkingDir, jobIDs, resumeRunID, resumeMode)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initialize run:", err)
		return 1
	}
	if init.JobCountDrift != "" {
		slog.Warn("resume job count drift", "detail", init.JobCountDrift, "run_id", init.RunID)
	}

	spanCtx, span := provider.StartAttempt(ctx, init.RunID, init.AttemptID, cfg.ApplicationName)
	defer span.End()

	skipSet := init.SkipSet
	if skipSet == nil {
		skipSet = make(map[string]bool)
	}
	for _, id := range cliSkip {
		skipSet[id] = true
		if !init.SkipSet[id] {
			if err := markPreSkipped(spanCtx, hist, init.RunID, init.AttemptID, cfg, id); err != nil {
				slog.Error("recording pre-skipped job", "job_id", id, "error", err)
			}
		}
	}

	q := queue.New(cfg.Jobs)
	q.Seed(skipSet)

	r := runner.New(cfg.LogDir)
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
		return runner.BuildEnv(cfg.BaseEnvPolicy, cfg.AppEnv, spec.Env, cliEnv)
	}
	metricsFunc := func(row domain.JobHistoryRow) {
		provider.RecordJob(ctx, row.JobID, string(row.Status), row.DurationSeconds())
	}
	orch := orchestrator.New(cfg.Jobs, q, r, hist, orchCfg, envFunc, metricsFunc)

	interrupted := orch.Run(spanCtx)

	snap := q.Snapshot()
	status, err := stateMgr.Finish(ctx, init.RunID, init.AttemptID, len(jobIDs), snap.Completed, snap.Failed, snap.Skipped, interrupted)
	if err != nil {
		fmt.Fprintln(os.Stderr, "finish run:", err)
		return 1
	}

	slog.Info("attempt finished", "run_id", init.RunID, "attempt_id", init.AttemptID, "status", status)
	return status.ExitCode()
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres", "pgx":
		return store.OpenPostgres(ctx, cfg.StoreDSN)
	default:
		return store.OpenSQLite(ctx, cfg.StoreDSN)
	}
}

// markPreSkipped records the SKIPPED row for a job the operator
// pre-marked via --skip, which (unlike resume's skip-set) has no
// existing history row to fall back on.
func markPreSkipped(ctx context.Context, hist *history.Manager, runID, attemptID int64, cfg *config.Config, jobID string) error {
	var command string
	for _, j := range cfg.Jobs {
		if j.ID == jobID {
			command = j.Command
			break
		}
	}
	return hist.UpsertJobRow(ctx, domain.JobHistoryRow{
		RunID: runID, AttemptID: attemptID, JobID: jobID,
		Command: command, Status: domain.JobSkipped, FailReason: "pre-marked via --skip",
	})
}
