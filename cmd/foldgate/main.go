package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/terrpan/foldgate/internal/audit"
	"github.com/terrpan/foldgate/internal/command"
	"github.com/terrpan/foldgate/internal/config"
	"github.com/terrpan/foldgate/internal/monitor"
	"github.com/terrpan/foldgate/internal/orch"
	foldotel "github.com/terrpan/foldgate/internal/otel"
	"github.com/terrpan/foldgate/internal/probe"
	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/state"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "foldgate",
		Short: "Safety-gated lifecycle control for a fleet of remote compute workers",
		Long: `foldgate retires remotely provisioned compute workers without losing
in-flight work: drain, verify the worker paused with zero active units,
require an explicit confirmation, and only then power off through the
provider. Every decision is written to a durable audit log.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "foldgate.yaml", "Path to YAML configuration file")
	pf.StringVar(&flagOverrides.Operator, "operator", "", "Operator identity recorded in audit and state entries")
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	root.AddCommand(
		newProbeCmd(),
		newCanStopCmd(),
		newDrainCmd(),
		newWaitPausedCmd(),
		newResumeCmd(),
		newVMStopCmd(),
		newVMDestroyCmd(),
		newFleetCmd(),
		newAuditCmd(),
	)

	return root
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Operator != "" {
		cfg.Operator = flagOverrides.Operator
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// app holds everything a subcommand may need, built once per
// invocation. Only the pieces a command asks for are constructed.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	shutdownOTel func(context.Context) error
}

// setup loads and validates configuration and initializes logging and
// telemetry. metricsPort > 0 additionally enables the Prometheus
// metric reader for long-running commands.
func setup(ctx context.Context, metricsPort int) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Debug("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.Int("fleetSize", len(cfg.Fleet.Workers)),
		slog.String("operator", cfg.Operator),
	)

	shutdown, err := foldotel.SetupOTelSDK(ctx, "foldgate", foldotel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PrometheusPort: metricsPort,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	return &app{cfg: cfg, logger: logger, shutdownOTel: shutdown}, nil
}

// close flushes telemetry.
func (a *app) close(ctx context.Context) {
	if a.shutdownOTel != nil {
		if err := a.shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}
}

// newProber builds the read-only probe over a fresh SSH runner.
func (a *app) newProber() (*probe.Prober, error) {
	runner, err := a.cfg.NewRunner()
	if err != nil {
		return nil, fmt.Errorf("ssh runner: %w", err)
	}
	return a.cfg.NewProber(runner, a.logger), nil
}

// newMonitor builds the read path: probe + gate only.
func (a *app) newMonitor() (*monitor.Monitor, error) {
	prober, err := a.newProber()
	if err != nil {
		return nil, err
	}
	return monitor.New(monitor.Config{
		Prober:      prober,
		Workers:     a.cfg.WorkerIdentities(),
		Parallelism: a.cfg.Drain.Parallelism,
		Logger:      a.logger.WithGroup("monitor"),
	}), nil
}

// newOrchestrator builds the full write path: probe, dispatcher,
// provider adapters, state tracker, and audit log.
func (a *app) newOrchestrator(ctx context.Context, confirmer orch.Confirmer) (*orch.Orchestrator, func(), error) {
	runner, err := a.cfg.NewRunner()
	if err != nil {
		return nil, nil, fmt.Errorf("ssh runner: %w", err)
	}

	prober := a.cfg.NewProber(runner, a.logger)
	dispatcher := a.cfg.NewDispatcher(runner, a.logger)
	guard := provider.ProbeGuard{Prober: prober}

	providers, err := a.cfg.NewProviders(ctx, guard, a.logger)
	if err != nil {
		return nil, nil, err
	}

	tracker, err := a.cfg.NewTracker()
	if err != nil {
		return nil, nil, fmt.Errorf("state tracker: %w", err)
	}

	auditLog, err := a.cfg.NewAudit()
	if err != nil {
		_ = tracker.Close()
		return nil, nil, fmt.Errorf("audit log: %w", err)
	}

	o := orch.New(orch.Config{
		Prober:           prober,
		Dispatcher:       dispatcher,
		Providers:        providers,
		Tracker:          tracker,
		Audit:            auditLog,
		Confirmer:        confirmer,
		Operator:         a.cfg.Operator,
		PollInterval:     a.cfg.Drain.PollInterval.Std(),
		DrainCeiling:     a.cfg.Drain.Ceiling.Std(),
		FleetParallelism: a.cfg.Drain.Parallelism,
		Logger:           a.logger.WithGroup("orch"),
	})

	cleanup := func() { _ = tracker.Close() }
	return o, cleanup, nil
}

// newDispatcher builds just the command dispatcher, for commands that
// send without orchestrating (resume).
func (a *app) newDispatcher() (*command.Dispatcher, error) {
	runner, err := a.cfg.NewRunner()
	if err != nil {
		return nil, fmt.Errorf("ssh runner: %w", err)
	}
	return a.cfg.NewDispatcher(runner, a.logger), nil
}

// newAudit opens just the audit log, for read-only audit queries.
func (a *app) newAudit() (*audit.Log, error) {
	return a.cfg.NewAudit()
}

// newTracker opens just the state tracker.
func (a *app) newTracker() (*state.Tracker, error) {
	return a.cfg.NewTracker()
}
