package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/terrpan/foldgate/internal/audit"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the append-only audit log",
	}
	cmd.AddCommand(newAuditShowCmd(), newAuditSearchCmd())
	return cmd
}

// newAuditShowCmd prints the most recent audit entries.
func newAuditShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [n]",
		Short: "Show the last n audit entries (default 20, 0 for all)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, 0)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			n := 20
			if len(args) == 1 {
				n, err = strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid count %q: %w", args[0], err)
				}
			}

			log, err := a.newAudit()
			if err != nil {
				return err
			}

			entries, err := log.Tail(n)
			if err != nil {
				return err
			}
			printEntries(cmd, entries)
			return nil
		},
	}
}

// newAuditSearchCmd finds audit entries matching a term.
func newAuditSearchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search <term>",
		Short: "Show audit entries containing the term (case-insensitive)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, 0)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			log, err := a.newAudit()
			if err != nil {
				return err
			}

			entries, err := log.Search(args[0])
			if err != nil {
				return err
			}
			printEntries(cmd, entries)
			return nil
		},
	}
}

func printEntries(cmd *cobra.Command, entries []audit.Entry) {
	for _, e := range entries {
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %-16s  %s/%s  %s  %s  [%s]\n",
			e.Time.Format("2006-01-02T15:04:05.000000Z"),
			e.Action, e.Provider, e.Target, e.Result, e.Details, e.ID)
	}
}
