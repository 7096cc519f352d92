package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrpan/foldgate/internal/command"
	"github.com/terrpan/foldgate/internal/config"
	"github.com/terrpan/foldgate/internal/gate"
	"github.com/terrpan/foldgate/internal/orch"
	"github.com/terrpan/foldgate/internal/worker"
)

// newProbeCmd reports one worker's live state as seen by the probe,
// with the gate's evaluation of it.
func newProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe <worker>",
		Short: "Query a worker's live job state (read-only)",
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

			prober, err := a.newProber()
			if err != nil {
				return err
			}

			result := prober.Probe(ctx, id)
			decision := gate.Evaluate(result)

			out, err := json.MarshalIndent(struct {
				Result   worker.ProbeResult `json:"result"`
				State    string             `json:"state"`
				Decision gate.Decision      `json:"decision"`
			}{result, string(result.State()), decision}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

// newCanStopCmd evaluates the safety gate once. Exit status 0 means
// the worker is safe to stop right now; anything else means it is not.
func newCanStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can-stop <worker>",
		Short: "Check whether a worker is safe to stop (exit 0 iff safe)",
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

			prober, err := a.newProber()
			if err != nil {
				return err
			}

			decision := gate.Evaluate(prober.Probe(ctx, id))
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, decision.Reason)
			if !decision.Safe {
				return fmt.Errorf("not safe to stop")
			}
			return nil
		},
	}
}

// newDrainCmd tells one worker, or the whole fleet, to finish current
// work and accept no more. It powers nothing off.
func newDrainCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "drain [<worker>]",
		Short: "Tell a worker (or with --all the whole fleet) to finish and accept no new work",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if all == (len(args) == 1) {
				return fmt.Errorf("name exactly one worker, or pass --all")
			}

			a, err := setup(ctx, 0)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			o, cleanup, err := a.newOrchestrator(ctx, orch.StaticConfirmer(false))
			if err != nil {
				return err
			}
			defer cleanup()

			ids := a.cfg.WorkerIdentities()
			if !all {
				id, err := a.cfg.FindWorker(args[0])
				if err != nil {
					return err
				}
				ids = []worker.Identity{id}
			}

			results := o.DrainFleet(ctx, ids)
			failed := 0
			for _, id := range ids {
				if rerr := results[id]; rerr != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s: drain failed: %v\n", id, rerr)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: drain acknowledged\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d drains failed", failed, len(ids))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Drain every worker in the fleet")
	return cmd
}

// newWaitPausedCmd polls a worker until the gate passes or a timeout.
func newWaitPausedCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait-paused <worker>",
		Short: "Wait until a worker is verified paused with zero active units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, 0)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if timeout > 0 {
				a.cfg.Drain.Ceiling = config.Duration(timeout)
			}

			id, err := a.cfg.FindWorker(args[0])
			if err != nil {
				return err
			}

			o, cleanup, err := a.newOrchestrator(ctx, orch.StaticConfirmer(false))
			if err != nil {
				return err
			}
			defer cleanup()

			decision, err := o.WaitPaused(ctx, id)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, decision.Reason)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (default: drain.ceiling from config)")
	return cmd
}

// newResumeCmd un-pauses a worker. Useful after an aborted retire.
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <worker>",
		Short: "Tell a paused worker to request new work again",
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

			dispatcher, err := a.newDispatcher()
			if err != nil {
				return err
			}

			if err := dispatcher.Send(ctx, id, command.Resume); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: resume acknowledged\n", id)
			return nil
		},
	}
}
