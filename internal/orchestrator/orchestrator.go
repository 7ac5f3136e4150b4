// Package orchestrator implements the Orchestrator (C6): the serial and
// bounded worker-pool strategies that bridge the Queue Manager and the
// Job Runner under either execution model, with graceful cancellation.
// Grounded on the teacher's Worker.Start/RunProcessOnce dispatch loop
// (internal/application/worker/worker.go) for the serial strategy, and
// on golang.org/x/sync/errgroup's SetLimit for the parallel strategy's
// bounded pool.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rezkam/flowrunner/internal/domain"
	"github.com/rezkam/flowrunner/internal/history"
	"github.com/rezkam/flowrunner/internal/queue"
	"github.com/rezkam/flowrunner/internal/runner"
)

const (
	reasonAbortedAfterFailure = "aborted after failure"
	reasonInterrupted         = "interrupted"
	completionPollInterval    = 200 * time.Millisecond
)

// Config selects the execution strategy and its policy knobs, per §6's
// configuration table.
type Config struct {
	Parallel         bool
	MaxWorkers       int
	ContinueOnError  bool
	ApplicationName  string
	WorkingDir       string
	RunID, AttemptID int64
}

// EnvFunc computes the effective environment for one job, per §4.5.3.
// The orchestrator has no opinion on env assembly; it delegates to the
// caller (cmd/flowrunner wires this to runner.BuildEnv).
type EnvFunc func(domain.JobSpec) map[string]string

// MetricsFunc is notified once per job with its terminal row, so the
// caller can record duration/status instruments without the
// orchestrator taking a direct dependency on internal/observability.
type MetricsFunc func(domain.JobHistoryRow)

// Orchestrator runs a set of JobSpecs to completion under Config's
// strategy.
type Orchestrator struct {
	queue   *queue.Manager
	runner  *runner.Runner
	history *history.Manager
	specs   map[string]domain.JobSpec
	cfg     Config
	envFunc EnvFunc
	metrics MetricsFunc
}

// New builds an Orchestrator over specs, bound to q/r/h for this
// attempt. metrics may be nil.
func New(specs []domain.JobSpec, q *queue.Manager, r *runner.Runner, h *history.Manager, cfg Config, envFunc EnvFunc, metrics MetricsFunc) *Orchestrator {
	index := make(map[string]domain.JobSpec, len(specs))
	for _, s := range specs {
		index[s.ID] = s
	}
	return &Orchestrator{queue: q, runner: r, history: h, specs: index, cfg: cfg, envFunc: envFunc, metrics: metrics}
}

// rowWriter adapts the History Manager to runner.HistoryWriter for one
// job row, the "row-bound writer handle" §4.2's ordering guarantee
// assumes.
type rowWriter struct {
	history *history.Manager
}

func (w rowWriter) WriteRow(ctx context.Context, row domain.JobHistoryRow) error {
	return w.history.UpsertJobRow(ctx, row)
}

// Run executes every job to a terminal status and returns whether the
// attempt was interrupted (ctx cancelled, e.g. by SIGINT). A
// continue_on_error=false abort drains the queue but is not reported as
// an interruption.
// ctx's cancellation is the external interrupt signal of §5/§7; both
// strategies poll ctx.Err() between dispatches rather than watching it
// from a separate goroutine, so abort is only ever invoked from
// goroutines the caller already joins (synchronously in the serial
// strategy, via errgroup.Wait in the parallel one).
func (o *Orchestrator) Run(ctx context.Context) bool {
	cancelJobs := make(chan struct{})
	var cancelOnce sync.Once
	interrupted := false

	abort := func(reason string) {
		cancelOnce.Do(func() {
			interrupted = reason == reasonInterrupted
			close(cancelJobs)
			o.queue.AbortDrain(reason)
		})
	}

	if o.cfg.Parallel {
		o.runParallel(ctx, cancelJobs, abort)
	} else {
		o.runSerial(ctx, cancelJobs, abort)
	}

	// Jobs the queue classified SKIPPED (dependency failure or abort
	// drain) never reach the runner; record their rows here.
	writeCtx := context.WithoutCancel(ctx)
	for id := range o.queue.Snapshot().Skipped {
		row := domain.JobHistoryRow{
			RunID: o.cfg.RunID, AttemptID: o.cfg.AttemptID, JobID: id,
			Command: o.specs[id].Command, Status: domain.JobSkipped, FailReason: o.queue.FailReason(id),
		}
		if err := o.history.UpsertJobRow(writeCtx, row); err != nil {
			slog.ErrorContext(ctx, "failed to write skipped job row", "job_id", id, "error", err)
		}
	}

	return interrupted
}

// runSerial implements §4.6.1: one job at a time, synchronously.
func (o *Orchestrator) runSerial(ctx context.Context, cancelJobs chan struct{}, abort func(string)) {
	for o.queue.HasReady() || o.queue.HasActive() {
		if ctx.Err() != nil {
			abort(reasonInterrupted)
			return
		}
		id, ok := o.queue.PopReady()
		if !ok {
			// serial mode keeps active <= 1; nothing to wait on.
			break
		}
		status := o.runJob(ctx, id, cancelJobs)
		if ctx.Err() != nil {
			abort(reasonInterrupted)
			return
		}
		if status.IsTerminalFailed() && !o.cfg.ContinueOnError {
			abort(reasonAbortedAfterFailure)
			return
		}
	}
}

// runParallel implements §4.6.2: a bounded worker pool dispatching as
// many ready jobs as there are free slots, re-polling on completion.
func (o *Orchestrator) runParallel(ctx context.Context, cancelJobs chan struct{}, abort func(string)) {
	maxWorkers := o.cfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	var aborted atomic.Bool
	for o.queue.HasReady() || o.queue.HasActive() {
		if aborted.Load() {
			break
		}
		if ctx.Err() != nil {
			abort(reasonInterrupted)
			aborted.Store(true)
			break
		}
		id, ok := o.queue.PopReady()
		if !ok {
			o.queue.WaitForCompletionTimeout(completionPollInterval)
			continue
		}

		g.Go(func() error {
			status := o.runJob(gctx, id, cancelJobs)
			switch {
			case ctx.Err() != nil:
				abort(reasonInterrupted)
				aborted.Store(true)
			case status.IsTerminalFailed() && !o.cfg.ContinueOnError:
				abort(reasonAbortedAfterFailure)
				aborted.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runJob runs one job via the Job Runner, writes its history row, and
// reports completion to the Queue Manager.
func (o *Orchestrator) runJob(ctx context.Context, id string, cancelJobs <-chan struct{}) domain.JobStatus {
	spec := o.specs[id]
	env := o.envFunc(spec)
	writer := rowWriter{history: o.history}

	row := o.runner.Run(ctx, o.cfg.ApplicationName, o.cfg.RunID, o.cfg.AttemptID, spec, env, o.cfg.WorkingDir, writer, cancelJobs)

	if o.metrics != nil {
		o.metrics(row)
	}

	reason := row.FailReason
	o.queue.MarkComplete(id, row.Status, reason)
	slog.InfoContext(ctx, "job finished", "job_id", id, "status", row.Status)
	return row.Status
}

