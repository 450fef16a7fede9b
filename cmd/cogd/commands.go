package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cogpy/lemonade-cog/pkg/otel"
	"github.com/cogpy/lemonade-cog/pkg/workflow"
)

// withApp loads the configuration, builds the app and runs fn with it.
// Telemetry, the logger and the orchestrator are shut down afterwards.
func withApp(ctx context.Context, f *rootFlags, fn func(context.Context, *app) error) (err error) {
	cfg, err := loadConfig(f.configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, f.verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownOTel, err := otel.Init(ctx, otel.FromTelemetry(cfg.Telemetry))
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if serr := shutdownOTel(context.Background()); serr != nil {
			logger.Warn("telemetry shutdown", zap.Error(serr))
		}
	}()

	a, err := newApp(ctx, cfg, logger, f.resources.probe)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = fmt.Errorf("shutdown: %w", cerr)
		}
	}()
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCmd(f *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator, scheduler and HTTP control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, f, func(ctx context.Context, a *app) error {
				if addr == "" {
					addr = a.cfg.HTTP.Addr
				}
				return serve(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", getEnv("COG_ADDR", ""), "http listen address (default from config)")
	return cmd
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the system status of a freshly initialized core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), f, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.orch.GetSystemStatus())
			})
		},
	}
}

func newWorkflowCmd(f *rootFlags, use, short string, run func(*app, context.Context) workflow.Report) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), f, func(ctx context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), run(a, ctx))
			})
		},
	}
}

func newIntrospectCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "introspect",
		Short: "Run autognosis and print the assessment",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), f, func(_ context.Context, a *app) error {
				return printJSON(cmd.OutOrStdout(), a.sched.Introspect())
			})
		},
	}
}

func newEvolveCmd(f *rootFlags) *cobra.Command {
	var generations int
	cmd := &cobra.Command{
		Use:   "evolve",
		Short: "Run autogenesis generations and print the growth summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), f, func(ctx context.Context, a *app) error {
				for range max(generations, 1) {
					if _, err := a.sched.Evolve(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), a.sched.Insights().Growth)
			})
		},
	}
	cmd.Flags().IntVarP(&generations, "generations", "n", 1, "number of generations to run")
	return cmd
}
