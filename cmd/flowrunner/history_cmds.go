package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"oss.nandlabs.io/golly/cli"

	"github.com/rezkam/flowrunner/internal/config"
	"github.com/rezkam/flowrunner/internal/history"
	"github.com/rezkam/flowrunner/internal/store"
)

// openHistory opens the store/history manager pair for a read-only
// history command, using the same configuration file the run itself
// used so it resolves the same database.
func openHistory(ctx context.Context, configPath string) (*store.Store, *history.Manager, error) {
	if configPath == "" {
		return nil, nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return st, history.New(st), nil
}

func listRunsCommand() *cli.Command {
	cmd := cli.NewCommand("list-runs", "list the latest attempt of every run", version, listRunsAction)
	cmd.Flags = []*cli.Flag{
		{Name: "config", Usage: "path to the job-graph configuration used for this run's database", Aliases: []string{"c"}, Default: ""},
		{Name: "app", Usage: "filter to one application_name", Default: ""},
	}
	return cmd
}

func listRunsAction(ctx *cli.Context) error {
	configPath, _ := ctx.GetFlag("config")
	background := context.Background()
	st, hist, err := openHistory(background, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer st.Close()

	app, _ := ctx.GetFlag("app")
	runs, err := hist.ListRuns(background, app)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("%-8s %-8s %-20s %-12s %6s %6s %6s %6s\n",
		"RUN", "ATTEMPT", "APPLICATION", "STATUS", "TOTAL", "OK", "FAIL", "SKIP")
	for _, r := range runs {
		fmt.Printf("%-8d %-8d %-20s %-12s %6d %6d %6d %6d\n",
			r.RunID, r.AttemptID, r.ApplicationName, r.Status, r.TotalJobs, r.Successful, r.Failed, r.Skipped)
	}
	return nil
}

func showRunCommand() *cli.Command {
	cmd := cli.NewCommand("show-run", "show one run's latest attempt and every job's history row", version, showRunAction)
	cmd.Flags = []*cli.Flag{
		{Name: "config", Usage: "path to the job-graph configuration used for this run's database", Aliases: []string{"c"}, Default: ""},
		{Name: "run", Usage: "run id to display", Aliases: []string{"r"}, Default: ""},
	}
	return cmd
}

func showRunAction(ctx *cli.Context) error {
	configPath, _ := ctx.GetFlag("config")
	runRaw, _ := ctx.GetFlag("run")
	runID, err := strconv.ParseInt(runRaw, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "show-run: --run is required and must be an integer")
		os.Exit(2)
	}

	background := context.Background()
	st, hist, err := openHistory(background, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer st.Close()

	attempt, rows, err := hist.GetAttempt(background, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("run %d attempt %d: %s (%s, triggered by %s)\n", attempt.RunID, attempt.AttemptID, attempt.Status, attempt.ApplicationName, attempt.TriggeredBy)
	fmt.Printf("total=%d successful=%d failed=%d skipped=%d\n",
		attempt.TotalJobs, attempt.Successful, attempt.Failed, attempt.Skipped)
	fmt.Println()
	fmt.Printf("%-20s %-10s %6s %8s %-30s %s\n", "JOB", "STATUS", "EXIT", "RETRIES", "REASON", "COMMAND")
	for _, r := range rows {
		exit := "-"
		if r.ExitCode != nil {
			exit = strconv.Itoa(*r.ExitCode)
		}
		fmt.Printf("%-20s %-10s %6s %8d %-30s %s\n", r.JobID, r.Status, exit, r.RetryCount, r.FailReason, r.Command)
	}
	return nil
}

func markSuccessCommand() *cli.Command {
	cmd := cli.NewCommand("mark-success", "rewrite one or more jobs' latest-attempt status to SUCCESS", version, markSuccessAction)
	cmd.Flags = []*cli.Flag{
		{Name: "config", Usage: "path to the job-graph configuration used for this run's database", Aliases: []string{"c"}, Default: ""},
		{Name: "run", Usage: "run id to update", Aliases: []string{"r"}, Default: ""},
		{Name: "jobs", Usage: "comma-separated job ids to mark SUCCESS", Aliases: []string{"j"}, Default: ""},
	}
	return cmd
}

func markSuccessAction(ctx *cli.Context) error {
	configPath, _ := ctx.GetFlag("config")
	runRaw, _ := ctx.GetFlag("run")
	runID, err := strconv.ParseInt(runRaw, 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "mark-success: --run is required and must be an integer")
		os.Exit(2)
	}
	jobsRaw, _ := ctx.GetFlag("jobs")
	jobIDs := parseIDList(jobsRaw)
	if len(jobIDs) == 0 {
		fmt.Fprintln(os.Stderr, "mark-success: --jobs is required")
		os.Exit(2)
	}

	background := context.Background()
	st, hist, err := openHistory(background, configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer st.Close()

	missing, err := hist.MarkSuccess(background, runID, jobIDs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "mark-success: no history row for: %s\n", strings.Join(missing, ", "))
		os.Exit(1)
	}

	fmt.Printf("marked %d job(s) SUCCESS on run %d\n", len(jobIDs), runID)
	return nil
}
