package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/edwinlacy/LocaldevScripts/internal/config"
	"github.com/edwinlacy/LocaldevScripts/internal/domain"
	"github.com/edwinlacy/LocaldevScripts/internal/server"
	"github.com/edwinlacy/LocaldevScripts/internal/supervisor"
)

// withApp wires the components for the duration of one command.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a, args)
	}
}

func signalFor(force bool) domain.Signal {
	if force {
		return domain.SignalHard
	}
	return domain.SignalSoft
}

// ── status ──────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [WORKER]",
		Short: "Show worker state derived from the port and process tables",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if len(args) == 1 {
				st, err := a.supervisor.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printStates(os.Stdout, []domain.WorkerState{st})
			}
			return printStates(os.Stdout, sortedStates(a.supervisor.StatusAll(ctx)))
		}),
	}
}

// ── start ───────────────────────────────────────────────────────────────────

func startCmd() *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start WORKER",
		Short: "Start a worker unless it is already running",
		Example: `  studioctl start gpu0
  studioctl start gpu1 --wait --timeout 2m`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			res := a.supervisor.Start(ctx, args[0])
			if err := printResult(os.Stdout, res); err != nil || !wait {
				return err
			}

			if timeout <= 0 {
				timeout = a.cfg.ReadyTimeout
			}
			if err := a.supervisor.WaitReady(ctx, args[0], timeout); err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Printf("%s: ready on port %d\n", args[0], workerPort(a, args[0]))
			}
			return nil
		}),
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the worker listens on its port")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "readiness timeout (default STUDIO_READY_TIMEOUT)")
	return cmd
}

// ── wait ────────────────────────────────────────────────────────────────────

func waitCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait WORKER",
		Short: "Wait until a worker listens on its port",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if timeout <= 0 {
				timeout = a.cfg.ReadyTimeout
			}
			if err := a.supervisor.WaitReady(ctx, args[0], timeout); err != nil {
				return err
			}
			fmt.Printf("%s: ready on port %d\n", args[0], workerPort(a, args[0]))
			return nil
		}),
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "readiness timeout (default STUDIO_READY_TIMEOUT)")
	return cmd
}

// ── stop ────────────────────────────────────────────────────────────────────

func stopCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop WORKER",
		Short: "Stop a worker",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			return printResult(os.Stdout, a.supervisor.Stop(ctx, args[0], signalFor(force)))
		}),
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "send SIGKILL instead of SIGTERM")
	return cmd
}

func stopAllCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every worker; safe to repeat",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			return printResults(os.Stdout, a.supervisor.StopAll(ctx, signalFor(force)))
		}),
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "send SIGKILL instead of SIGTERM")
	return cmd
}

// ── reset ───────────────────────────────────────────────────────────────────

func resetCmd() *cobra.Command {
	var (
		stop    bool
		force   bool
		noEvict bool
	)

	cmd := &cobra.Command{
		Use:   "reset WORKER",
		Short: "Clear a worker's output and cache directories (never starts it)",
		Example: `  studioctl reset gpu0
  studioctl reset gpu1 --stop --force`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			report, res := a.supervisor.Reset(ctx, args[0], supervisor.ResetOptions{
				Stop:   stop,
				Signal: signalFor(force),
				Evict:  !noEvict,
			})

			if jsonOutput {
				if err := printJSON(os.Stdout, map[string]any{"result": res, "report": report}); err != nil {
					return err
				}
				return res.Err
			}

			for _, warn := range res.Warnings {
				fmt.Fprintf(os.Stderr, "warning: %s: %s\n", args[0], warn)
			}
			if res.Err != nil {
				return res.Err
			}
			fmt.Printf("reset %s: removed %d entries", args[0], len(report.Removed))
			if report.Evicted {
				fmt.Print(", evicted cached models")
			}
			fmt.Println()
			return nil
		}),
	}

	cmd.Flags().BoolVar(&stop, "stop", false, "stop the worker before clearing")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "with --stop, send SIGKILL")
	cmd.Flags().BoolVar(&noEvict, "no-evict", false, "skip the eviction request to a running worker")
	return cmd
}

// ── inspect ─────────────────────────────────────────────────────────────────

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Audit the host for studio prerequisites (read-only)",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			return printReport(os.Stdout, a.inspector.Inspect(ctx))
		}),
	}
}

// ── metrics ─────────────────────────────────────────────────────────────────

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics WORKER",
		Short: "Print the metrics reported by a worker's control endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			w, err := a.registry.Get(args[0])
			if err != nil {
				return err
			}
			if w.ControlURL == "" {
				return fmt.Errorf("worker %s has no control endpoint", w.ID)
			}
			body, err := a.probe.Metrics(ctx, w.ControlURL)
			if err != nil {
				return err
			}
			fmt.Print(body)
			return nil
		}),
	}
}

// ── serve ───────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the supervisor over HTTP",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			addr := a.cfg.ListenAddr
			if listen != "" {
				addr = listen
			}
			if a.cfg.Secret == "" {
				a.logger.Warn("STUDIO_SECRET not set, API is unauthenticated", "addr", addr)
			}

			h := server.NewHandler(
				a.supervisor,
				a.inspector,
				promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}),
				a.cfg.ReadyTimeout,
				a.logger,
			)
			srv := server.New(addr, a.cfg.Secret, h, a.logger)

			a.logger.Info("starting studioctl serve",
				"version", config.Version,
				"build_time", config.BuildTime,
				"addr", addr,
			)
			fmt.Fprintf(os.Stderr, "studioctl %s listening on %s\n", config.Version, addr)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("shutting down http server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("shutdown: %w", err)
				}
				return nil
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			}
		}),
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default STUDIO_LISTEN)")
	return cmd
}

func workerPort(a *app, id string) int {
	w, err := a.registry.Get(id)
	if err != nil {
		return 0
	}
	return w.ListenPort
}
