package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newSweeperCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweeper",
		Short: "Drive interrupted borrows and returns to completion",
	}

	cmd.AddCommand(newSweeperRunCommand(opts))
	cmd.AddCommand(newSweeperOnceCommand(opts))

	return cmd
}

func newSweeperOnceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single sweep and report what converged",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, out printer) error {
				report, err := app.Sweeper.SweepOnce(ctx)
				if err != nil {
					return commandError("sweep failed", err)
				}

				view := newSweepView(report)

				return out.print(view, view.text)
			})
		},
	}
}

func newSweeperRunCommand(opts *RootOptions) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sweep at the configured interval until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, app *App, _ printer) error {
				addr := metricsAddr
				if addr == "" {
					addr = app.Config.Sweeper.MetricsAddr
				}

				if addr == "" || app.Metrics == nil {
					return app.Sweeper.Run(ctx)
				}

				mux := http.NewServeMux()
				mux.Handle("/metrics", app.Metrics.Handler())
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

				serveErr := make(chan error, 1)
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						serveErr <- err
					}
					close(serveErr)
				}()

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()

				go func() {
					if err := <-serveErr; err != nil {
						_, _ = fmt.Fprintf(opts.logOutput(), "metrics endpoint stopped: %v\n", err)
						cancel()
					}
				}()

				runErr := app.Sweeper.Run(runCtx)

				shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer stop()

				return errors.Join(runErr, server.Shutdown(shutdownCtx))
			})
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}
