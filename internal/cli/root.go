// Package cli implements the batchrules command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/batchrules/internal/observability"
	"github.com/lsm/batchrules/internal/rule"
	"github.com/lsm/batchrules/internal/tracing"
)

const serviceName = "batchrules"

var (
	version = "0.1.0"
	commit  = "dev"
)

// app holds state shared by every command of one execution.
type app struct {
	logLevel string

	logger   *slog.Logger
	tracer   trace.Tracer
	shutdown func(context.Context) error
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

// Execute runs the command line with os.Args.
func Execute(ctx context.Context) error {
	a := &app{}
	err := newRootCmd(a).ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

// NewRootCmd returns the root command. Tracing is not shut down when the
// command is executed directly; use Execute for that.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{})
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "batchrules",
		Short: "batchrules - write, check and dry-run event batch rules",
		Long: `batchrules runs event batch transform rules: callbacks that receive one
analytics batch, rename, enrich or filter its events and return the result.

Rules are YAML files. Run 'batchrules init' to scaffold the reference rules.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (default $"+observability.LogLevelEnv+" or info)")

	root.AddCommand(
		newTestCmd(a),
		newValidateCmd(a),
		newRunCmd(a),
		newWatchCmd(a),
		newInitCmd(a),
	)
	return root
}

// setup builds the logger, tracer and metric registry.
func (a *app) setup(cmd *cobra.Command) error {
	a.logger = observability.NewLoggerTo(cmd.ErrOrStderr(), serviceName, observability.GetLogLevel(a.logLevel))

	tracer, shutdown, err := tracing.Initialize(tracing.GetConfig(serviceName, version), a.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracer = tracer
	a.shutdown = shutdown

	a.registry = prometheus.NewRegistry()
	a.metrics = observability.NewMetrics(a.registry)
	return nil
}

// ruleOptions returns the options every rule built by a command receives.
func (a *app) ruleOptions() []rule.Option {
	return []rule.Option{
		rule.WithLogger(a.logger),
		rule.WithMetrics(a.metrics),
		rule.WithTracer(a.tracer),
	}
}

func (a *app) close() error {
	if a.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracing: %w", err)
	}
	return nil
}
