package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/terrpan/foldgate/internal/health"
	"github.com/terrpan/foldgate/internal/monitor"
	"github.com/terrpan/foldgate/internal/provider"
	"github.com/terrpan/foldgate/internal/state"
	"github.com/terrpan/foldgate/internal/worker"
)

func newFleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet-wide status commands (read-only)",
	}
	cmd.AddCommand(newFleetStatusCmd(), newFleetWatchCmd(), newFleetHistoryCmd())
	return cmd
}

// newFleetHistoryCmd prints every lifecycle state ever recorded for one
// worker, in write order, from the tracker's history table.
func newFleetHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <worker>",
		Short: "Print a worker's recorded lifecycle state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, 0)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id, err := a.cfg.FindWorker(args[0])
			if err != nil {
				return err
			}

			tracker, err := a.newTracker()
			if err != nil {
				return err
			}
			defer tracker.Close()

			records, err := tracker.History(ctx, id)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  never observed\n", id)
				return nil
			}
			for _, rec := range records {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  by %s\n",
					rec.RecordedAt.Format(time.RFC3339), id, rec.LastKnownState, rec.RecordedBy)
			}
			return nil
		},
	}
}

// newFleetStatusCmd prints one snapshot of every worker's state. For
// workers the probe cannot reach it adds the provider's power view and
// the last recorded lifecycle state, which are different facts and are
// shown as such.
func newFleetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every worker once and print the fleet's state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, 0)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			mon, err := a.newMonitor()
			if err != nil {
				return err
			}

			prober, err := a.newProber()
			if err != nil {
				return err
			}
			providers, err := a.cfg.NewProviders(ctx, provider.ProbeGuard{Prober: prober}, a.logger)
			if err != nil {
				return err
			}

			tracker, err := a.newTracker()
			if err != nil {
				return err
			}
			defer tracker.Close()

			for _, st := range mon.Snapshot(ctx) {
				fmt.Fprint(cmd.OutOrStdout(), renderStatus(ctx, st, providers, tracker, a.logger))
			}
			return nil
		},
	}
}

// renderStatus formats one worker's status. Unknown is rendered as
// unknown; neither the provider's power view nor the tracker's last
// record is ever presented as the live state.
func renderStatus(ctx context.Context, st monitor.Status, providers provider.Registry, tracker *state.Tracker, logger *slog.Logger) string {
	id := st.Result.Identity

	switch st.Result.State() {
	case worker.StateUnknown:
		out := fmt.Sprintf("%s  UNKNOWN  unreachable: %s\n", id, st.Result.Err)
		out += providerView(ctx, id, providers)
		out += trackerView(ctx, id, tracker, logger)
		return out
	case worker.StatePaused:
		return fmt.Sprintf("%s  PAUSED  safe to stop\n", id)
	case worker.StateFinishing:
		return fmt.Sprintf("%s  FINISHING  paused flag set, %d active units remain\n", id, st.Result.ActiveUnits)
	default:
		return fmt.Sprintf("%s  FOLDING  %d active units\n", id, st.Result.ActiveUnits)
	}
}

func providerView(ctx context.Context, id worker.Identity, providers provider.Registry) string {
	adapter, err := providers.Lookup(id.Provider)
	if err != nil {
		return ""
	}

	ps, err := adapter.GetPowerState(ctx, id.Name)
	if err != nil {
		var apiErr *worker.ProviderAPIError
		if errors.As(err, &apiErr) {
			return fmt.Sprintf("    provider view: unavailable (%s)\n", apiErr.Op)
		}
		return fmt.Sprintf("    provider view: unavailable (%v)\n", err)
	}
	return fmt.Sprintf("    provider view: %s (running=%t)\n", ps.Status, ps.Running)
}

func trackerView(ctx context.Context, id worker.Identity, tracker *state.Tracker, logger *slog.Logger) string {
	rec, err := tracker.Get(ctx, id)
	if err != nil {
		logger.Warn("reading tracked state", slog.String("worker", id.String()), slog.String("error", err.Error()))
		return ""
	}
	if rec == nil {
		return "    last recorded: never observed\n"
	}
	return fmt.Sprintf("    last recorded: %s at %s by %s\n",
		rec.LastKnownState, rec.RecordedAt.Format(time.RFC3339), rec.RecordedBy)
}

// newFleetWatchCmd re-probes the fleet on an interval until
// interrupted. With --metrics-port it also serves /healthz and
// Prometheus /metrics.
func newFleetWatchCmd() *cobra.Command {
	var (
		interval    time.Duration
		metricsPort int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously probe the fleet and print state changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, metricsPort)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			mon, err := a.newMonitor()
			if err != nil {
				return err
			}

			if metricsPort > 0 {
				providerNames := make(map[string]bool)
				for _, w := range a.cfg.Fleet.Workers {
					providerNames[w.Provider] = true
				}
				names := make([]string, 0, len(providerNames))
				for name := range providerNames {
					names = append(names, name)
				}

				mux := http.NewServeMux()
				mux.Handle("/healthz", health.Handler(names))
				mux.Handle("/metrics", promhttp.Handler())

				srv := &http.Server{
					Addr:              fmt.Sprintf(":%d", metricsPort),
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					a.logger.Info("serving metrics", slog.Int("port", metricsPort))
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("metrics server", slog.String("error", err.Error()))
					}
				}()
				defer srv.Shutdown(context.WithoutCancel(ctx))
			}

			// Only state transitions are printed; a quiet fleet stays
			// quiet on the terminal while metrics keep updating.
			lastStates := make(map[worker.Identity]worker.LifecycleState)
			err = mon.Watch(ctx, interval, func(statuses []monitor.Status) {
				for _, st := range statuses {
					id := st.Result.Identity
					current := st.Result.State()
					if prev, seen := lastStates[id]; !seen || prev != current {
						fmt.Fprintf(cmd.OutOrStdout(), "%s  %s -> %s\n",
							time.Now().UTC().Format(time.RFC3339), id, current)
						lastStates[id] = current
					}
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Probe interval")
	cmd.Flags().IntVar(&metricsPort, "metrics-port", 0, "Serve /healthz and /metrics on this port (0 disables)")
	return cmd
}
