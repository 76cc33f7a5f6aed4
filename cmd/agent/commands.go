package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/NilsIgris/sylon/internal/agent"
	"github.com/NilsIgris/sylon/internal/config"
	"github.com/NilsIgris/sylon/internal/delivery"
	"github.com/NilsIgris/sylon/internal/events"
	"github.com/NilsIgris/sylon/internal/identity"
	"github.com/NilsIgris/sylon/internal/otel"
	"github.com/NilsIgris/sylon/internal/scheduler"
	"github.com/NilsIgris/sylon/internal/supervisor"
	"github.com/NilsIgris/sylon/internal/updater"
)

const shutdownTimeout = 5 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sylon-agent",
		Short:        "Host telemetry agent with self-update",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCommand(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "path to the YAML config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the delivery and update loop (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runCommand(cmd, configPath)
			},
		},
		&cobra.Command{
			Use:   "machine-id",
			Short: "Print the resolved machine identifier",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger := loadConfig(configPath, cmd.ErrOrStderr())
				r := identity.NewResolver(cfg.IdentityFile, identity.WithLogger(logger))
				_, err := fmt.Fprintln(cmd.OutOrStdout(), r.Resolve())
				return err
			},
		},
		&cobra.Command{
			Use:   "check-update",
			Short: "Run one update check and apply it if valid",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, logger := loadConfig(configPath, cmd.ErrOrStderr())
				res := updater.New(cfg, updater.WithLogger(logger)).CheckAndApply(cmd.Context(), cfg.SelfPath)
				fmt.Fprintln(cmd.OutOrStdout(), res.Outcome)
				return res.Err
			},
		},
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration with secrets masked",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, _ := loadConfig(configPath, cmd.ErrOrStderr())
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(cfg.Redacted())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the agent version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// loadConfig loads the config, installs the global event logger and fills in
// the program path. Load failures are logged, never fatal.
func loadConfig(path string, stderr io.Writer) (config.Config, *events.EventLogger) {
	cfg, found, err := config.Load(path)

	logger := events.NewEventLoggerWithWriter(stderr, events.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	events.SetGlobalEventLogger(logger)

	switch {
	case err != nil:
		logger.LogConfigLoadFailed(path, err)
	case !found:
		logger.LogConfigMissing(path)
	}

	if cfg.SelfPath == "" {
		cfg.SelfPath = executablePath()
	}
	return cfg, logger
}

func executablePath() string {
	p, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return p
}

func runCommand(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger := loadConfig(configPath, cmd.ErrOrStderr())
	return runAgent(ctx, cfg, logger)
}

// runAgent wires the components and runs the scheduler. Interrupts and applied
// updates both end in a nil error so the process exits 0.
func runAgent(ctx context.Context, cfg config.Config, logger *events.EventLogger) error {
	providers, err := otel.Setup(ctx, otel.Options{
		ServiceVersion:   version,
		Exporter:         cfg.Telemetry.Exporter,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:     cfg.Telemetry.OTLPInsecure,
		PrometheusListen: cfg.Telemetry.PrometheusListen,
	})
	if err != nil {
		logger.LogTelemetrySetupFailed(cfg.Telemetry.Exporter, err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = providers.Shutdown(shutdownCtx)
	}()

	resolver := identity.NewResolver(cfg.IdentityFile, identity.WithLogger(logger))
	resolver.Resolve()

	notifier := supervisor.NewNotifier(logger)
	sched := scheduler.New(cfg,
		agent.NewHostCollector(cfg.DiskPath),
		delivery.NewClient(cfg, delivery.WithLogger(logger)),
		updater.New(cfg, updater.WithLogger(logger)),
		resolver,
		scheduler.WithLogger(logger),
		scheduler.WithStatus(func(s string) { notifier.Status(s) }),
	)

	logger.LogAgentStarting(version, cfg.Endpoint, cfg.Interval, cfg.UpdateInterval, cfg.SelfPath)
	if !cfg.EndpointEnabled() {
		logger.LogDeliveryDisabled()
	}
	notifier.Ready()

	err = sched.Run(ctx)
	notifier.Stopping()

	switch {
	case errors.Is(err, scheduler.ErrRestartRequired):
		logger.LogShuttingDown("update_applied")
		return nil
	case errors.Is(err, context.Canceled):
		logger.LogShuttingDown("interrupt")
		return nil
	default:
		return err
	}
}
