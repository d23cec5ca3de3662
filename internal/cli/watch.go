package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/lsm/batchrules/internal/batch"
	"github.com/lsm/batchrules/internal/config"
	"github.com/lsm/batchrules/internal/observability"
	"github.com/lsm/batchrules/internal/rule"
	"github.com/lsm/batchrules/internal/ruleset"
)

func newWatchCmd(a *app) *cobra.Command {
	var rulesDir, input, metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run every rule against a batch whenever a rule file changes",
		Long: `Load every rule in a directory, run each against the input batch and print
the results. Whenever a rule file is written, created or removed the rules are
reloaded and the results printed again. A rule that stops building keeps its
last good version. Stops on SIGINT or SIGTERM.

With --metrics-addr the command also serves /healthz, /readyz (listing the
loaded and failing rules) and Prometheus /metrics on that address.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := loadInput(input, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("load input: %w", err)
			}
			if _, err := batch.Decode(raw); err != nil {
				return fmt.Errorf("decode input: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), shutdownSignals...)
			defer stop()
			return a.watch(ctx, cmd.OutOrStdout(), rulesDir, metricsAddr, raw)
		},
	}

	cmd.Flags().StringVar(&rulesDir, "rules", defaultRulesDir, "Directory of rule YAML files")
	cmd.Flags().StringVar(&input, "input", "", "Input batch as JSON, a file path, or '-' for stdin (required)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve health, readiness and metrics on this address, e.g. :9090")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (a *app) watch(ctx context.Context, out io.Writer, dir, metricsAddr string, raw []byte) error {
	loader := config.NewLoader(dir, a.logger)
	defs, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	var health *observability.HealthServer
	if metricsAddr != "" {
		health = observability.NewHealthServer(a.registry)
		stopServer, err := a.serveHealth(metricsAddr, health)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	reg := ruleset.NewRegistry(a.logger, a.ruleOptions()...)
	var mu sync.Mutex
	apply := func(defs map[string]*config.RuleDefinition) {
		failed := reg.Update(defs, loader.Failed())
		if health != nil {
			health.SetRules(reg.Names(), failed)
		}
		mu.Lock()
		defer mu.Unlock()
		runAll(ctx, out, reg, raw)
	}
	apply(defs)
	loader.OnChange(apply)

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- loader.Watch(done)
	}()

	select {
	case <-ctx.Done():
		if health != nil {
			health.SetNotReady()
		}
		close(done)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// serveHealth starts the health and metrics server and returns a func that
// shuts it down.
func (a *app) serveHealth(addr string, health *observability.HealthServer) (func(), error) {
	a.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: health.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		a.logger.Info("health server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("health server error", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Error("health server shutdown error", "error", err)
		}
	}, nil
}

// runAll runs every registered rule on its own copy of raw.
func runAll(ctx context.Context, out io.Writer, reg *ruleset.Registry, raw []byte) {
	for _, name := range reg.Names() {
		fmt.Fprintf(out, "== %s ==\n", name)
		h, ok := reg.Get(name)
		if !ok {
			fmt.Fprintln(out, "removed")
			continue
		}
		b, err := batch.Decode(raw)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		result, err := rule.Safe(ctx, h, b)
		switch {
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		case result == nil:
			fmt.Fprintln(out, "dropped")
		default:
			encoded, err := result.Encode()
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if err := printJSON(out, encoded); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}
