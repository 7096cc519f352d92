package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/terrpan/foldgate/internal/orch"
	"github.com/terrpan/foldgate/internal/worker"
)

// newVMStopCmd runs the full retire workflow for one worker: drain,
// verify paused, and power off through the provider. Without --confirm
// the stop is rejected after the drain completes, with an audit entry.
func newVMStopCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "vm-stop <worker>",
		Short: "Drain a worker, verify it paused, and power it off (requires --confirm)",
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

			o, cleanup, err := a.newOrchestrator(ctx, orch.StaticConfirmer(confirm))
			if err != nil {
				return err
			}
			defer cleanup()

			run, err := o.Retire(ctx, id)
			if err != nil {
				return renderRetireFailure(cmd, run, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: stopped\n", id)
			if run.Decision != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  evidence: %s\n", run.Decision.Reason)
			}
			for _, auditID := range run.AuditIDs {
				fmt.Fprintf(cmd.OutOrStdout(), "  audit: %s\n", auditID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the power-off; without it the stop is rejected")
	return cmd
}

// renderRetireFailure explains why a retire did not stop the worker,
// including the audit trail so the decision can be found later.
func renderRetireFailure(cmd *cobra.Command, run *orch.Run, err error) error {
	out := cmd.OutOrStdout()

	var violation *worker.SafetyViolationError
	var manual *worker.ManualActionRequiredError
	switch {
	case errors.Is(err, orch.ErrDrainTimeout):
		fmt.Fprintf(out, "%s: drain did not complete before the ceiling; worker left draining\n", run.Identity)
	case errors.As(err, &violation):
		fmt.Fprintf(out, "%s: stop rejected: %s\n", violation.Identity, violation.Reason)
	case errors.As(err, &manual):
		fmt.Fprintf(out, "%s: provider requires manual action: %s\n", run.Identity, manual.Hint)
	default:
		fmt.Fprintf(out, "%s: stop failed: %v\n", run.Identity, err)
	}

	for _, auditID := range run.AuditIDs {
		fmt.Fprintf(out, "  audit: %s\n", auditID)
	}
	return err
}

// newVMDestroyCmd permanently deletes a stopped worker's compute
// resource. It refuses unless the whole fleet is recorded as stopped.
func newVMDestroyCmd() *cobra.Command {
	var confirm bool

	cmd := &cobra.Command{
		Use:   "vm-destroy <worker>",
		Short: "Permanently delete a stopped worker's resource (requires --confirm and a fully stopped fleet)",
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

			o, cleanup, err := a.newOrchestrator(ctx, orch.StaticConfirmer(confirm))
			if err != nil {
				return err
			}
			defer cleanup()

			if err := o.Destroy(ctx, id, confirm); err != nil {
				var violation *worker.SafetyViolationError
				var manual *worker.ManualActionRequiredError
				switch {
				case errors.As(err, &violation):
					fmt.Fprintf(cmd.OutOrStdout(), "%s: destroy rejected: %s\n", violation.Identity, violation.Reason)
				case errors.As(err, &manual):
					fmt.Fprintf(cmd.OutOrStdout(), "%s: provider requires manual action: %s\n", id, manual.Hint)
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: destroyed\n", id)
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the destruction")
	return cmd
}
