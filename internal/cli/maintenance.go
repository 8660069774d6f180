package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Prepare the storage schema",
		Long: `Connect to the configured backend and apply its schema: SQL migrations on
postgres, indexes on mongo. Memory and redis need no preparation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := a.manager(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Storage ready (backend=%s)\n", a.cfg.StorageBackend)
			return nil
		},
	}
}

func (a *app) cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete data older than --days",
		Long: `Delete finished tasks, offline agents, performance metrics and contexts
whose timestamp is older than the retention window.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = a.cfg.RetentionDays
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			report, err := m.CleanupOldData(cmd.Context(), days)
			if report.Cutoff.IsZero() {
				return fmt.Errorf("cleanup: %w", err)
			}
			// Partial runs still print what was removed.
			if a.asJSON {
				if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
					return perr
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed before %s: tasks=%d agents=%d metrics=%d contexts=%d\n",
					report.Cutoff.Format(time.RFC3339), report.Tasks, report.Agents, report.Metrics, report.Contexts)
			}
			if err != nil {
				return fmt.Errorf("cleanup: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 30, "retention window in days (defaults to RETENTION_DAYS)")
	return cmd
}

func (a *app) dlqCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter queue",
	}
	var count int64
	peek := &cobra.Command{
		Use:   "peek",
		Short: "List the oldest dead-lettered task ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ids, err := a.dispatchQueue().DLQPeek(cmd.Context(), count)
			if err != nil {
				return fmt.Errorf("read dlq: %w", err)
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), ids)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty.")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
	peek.Flags().Int64VarP(&count, "count", "n", 20, "max ids to show")
	cmd.AddCommand(peek)
	return cmd
}
