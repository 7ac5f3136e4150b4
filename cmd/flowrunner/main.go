// Command flowrunner drives one DAG-based job attempt end to end: load
// a job-graph configuration, validate its dependency graph, run it
// serially or with a bounded worker pool, and persist every job's
// history. Built on oss.nandlabs.io/golly/cli, the same command/flag
// framework the retrieval pack uses for its own CLI surfaces.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"oss.nandlabs.io/golly/cli"

	"github.com/rezkam/flowrunner/internal/domain"
	"github.com/rezkam/flowrunner/internal/env"
	"github.com/rezkam/flowrunner/internal/observability"
)

// version is the CLI's own --version string, not a config field.
const version = "0.1.0"

// processEnv holds the ambient environment variables flowrunner reads
// directly, outside the job-graph configuration file.
type processEnv struct {
	OTelEnabled bool `env:"OTEL_ENABLED"`
}

func main() {
	app := buildCLI()
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCLI() *cli.CLI {
	app := cli.NewCLI()
	app.AddVersion(version)
	app.AddCommand(runCommand())
	app.AddCommand(listRunsCommand())
	app.AddCommand(showRunCommand())
	app.AddCommand(markSuccessCommand())
	return app
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, mirroring
// cmd/worker's shutdown handling but expressed as a context so it plugs
// straight into the orchestrator's Run(ctx).
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadProcessEnv reads the ambient environment with internal/env's
// reflection-based loader, the same mechanism the teacher uses for its
// own struct-tagged env configuration.
func loadProcessEnv() processEnv {
	var pe processEnv
	if err := env.Load(&pe); err != nil {
		slog.Warn("reading process environment", "error", err)
	}
	return pe
}

// newObservability wires the tracer/metrics provider for one process
// invocation, named by applicationName so spans and metrics carry it as
// a resource attribute.
func newObservability(ctx context.Context, applicationName string) (*observability.Provider, func(context.Context) error, error) {
	pe := loadProcessEnv()
	return observability.New(ctx, applicationName, pe.OTelEnabled)
}

// exitCodeFor maps a fatal startup error (config or graph validation) to
// the process exit code spec §6 assigns it: 2 for anything the operator
// must fix before retrying, 1 for everything else.
func exitCodeFor(err error) int {
	var cfgErr domain.ConfigError
	if errors.As(err, &cfgErr) {
		return 2
	}
	var cfgErrPtr *domain.ConfigError
	if errors.As(err, &cfgErrPtr) {
		return 2
	}
	var cycErr domain.CycleError
	if errors.As(err, &cycErr) {
		return 2
	}
	var missErr domain.MissingDependencyError
	if errors.As(err, &missErr) {
		return 2
	}
	return 1
}
