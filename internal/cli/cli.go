// ============================================================================
// Phase-Pilot CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the phasepilot binary
//
// Command Structure:
//   phasepilot                     # Root command
//   ├── run                        # Start the monitor loop (foreground)
//   ├── tick                       # Run exactly one tick, then exit
//   ├── stop                       # SIGTERM the daemon owning the state dir
//   ├── status                     # Current phase, last snapshot, recent decisions
//   │   └── --output, -o           # text | yaml | json
//   ├── decisions                  # Print the decision trail
//   │   ├── --verify               # Only verify checksums and sequence
//   │   └── --tail, -n             # Last N records
//   ├── validate                   # Check the config and print a summary
//   ├── health                     # gRPC health probe of a running daemon
//   └── --config, -c               # Config file (default: phasepilot.yaml)
//
// run Command:
//   1. Load and validate the config
//   2. Take the state directory lock
//   3. Recover state (state.json + decision log replay)
//   4. Start the metrics and health endpoints (if enabled)
//   5. Tick until SIGINT/SIGTERM, or until all phases complete with
//      daemon.stop_when_complete
//
//   Examples:
//     ./phasepilot run
//     ./phasepilot run -c sark.yaml
//
// Exit codes:
//   0 on clean shutdown; 1 on ConfigError / PersistenceError at start
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/phase-pilot/internal/config"
	"github.com/ChuLiYu/phase-pilot/internal/controller"
	"github.com/ChuLiYu/phase-pilot/internal/logging"
	"github.com/ChuLiYu/phase-pilot/internal/metrics"
	"github.com/ChuLiYu/phase-pilot/internal/server"
	"github.com/ChuLiYu/phase-pilot/internal/snapshot"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

const defaultConfigFile = "phasepilot.yaml"

// BuildCLI assembles the command tree.
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:   "phasepilot",
		Short: "Phase-Pilot: autonomous phase orchestration for parallel workers",
		Long: `Phase-Pilot watches the workers of the active phase, classifies their
health, detects phase completion and triggers the next phase exactly once,
even across restarts.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", defaultConfigFile, "config file path")

	load := func() (*config.Config, error) { return config.Load(configFile) }

	rootCmd.AddCommand(buildRunCommand(load))
	rootCmd.AddCommand(buildTickCommand(load))
	rootCmd.AddCommand(buildStopCommand(load))
	rootCmd.AddCommand(buildStatusCommand(load))
	rootCmd.AddCommand(buildDecisionsCommand(load))
	rootCmd.AddCommand(buildValidateCommand(load))
	rootCmd.AddCommand(buildHealthCommand(load))

	return rootCmd
}

type configLoader func() (*config.Config, error)

// ============================================================================
// run / tick
// ============================================================================

func buildRunCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the monitor loop in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg)
		},
	}
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger, closeLog, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var health *server.Server
	var reporter controller.HealthReporter
	if cfg.Health.Enabled {
		health = server.NewServer(logger.Named("health"))
		reporter = health
	}

	d, err := newDaemon(cfg, logger, reg, reporter)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Error("shutdown cleanup failed", zap.Error(err))
		}
	}()

	if err := d.ctrl.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Addr))
			return metrics.Serve(gctx, cfg.Metrics.Addr, reg)
		})
	}
	if health != nil {
		g.Go(func() error { return health.ListenAndServe(gctx, cfg.Health.Addr) })
	}
	g.Go(func() error {
		defer cancel()
		return d.ctrl.Run(gctx)
	})

	logger.Info("phasepilot started",
		zap.String("project", cfg.Project),
		zap.String("state_dir", cfg.StateDir),
		zap.Int("phases", len(cfg.Phases)),
		zap.Int("workers", cfg.WorkerCount()))

	err = g.Wait()
	d.ctrl.Stop()
	logger.Info("phasepilot stopped")
	return err
}

func buildTickCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one monitoring tick and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger, closeLog, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer closeLog()

			d, err := newDaemon(cfg, logger, prometheus.NewRegistry(), nil)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.ctrl.Start(); err != nil {
				return err
			}
			res, err := d.ctrl.RunOnce(cmd.Context())
			printTick(cmd, res)
			return err
		},
	}
}

// ============================================================================
// stop
// ============================================================================

func buildStopCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Send SIGTERM to the daemon owning the state directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			pid, err := snapshot.ReadPID(cfg.LockPath())
			if err != nil {
				return err
			}
			if pid == 0 {
				return errors.New("no running phasepilot found")
			}
			proc, err := os.FindProcess(pid)
			if err != nil {
				return err
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal pid %d: %w", pid, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to pid %d\n", pid)
			return nil
		},
	}
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and print a summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			fmt.Fprint(cmd.OutOrStdout(), cfg.Summary())
			return nil
		},
	}
}
