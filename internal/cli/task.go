package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
)

func (a *app) taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect tasks",
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			task, found, err := m.GetTask(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			if !found {
				return fmt.Errorf("task not found: %s", args[0])
			}
			return printJSON(cmd.OutOrStdout(), task)
		},
	}

	var (
		status   string
		taskType string
		agentID  string
		userID   string
		since    time.Duration
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Long: `List tasks with optional filters.

Examples:
  aictl task list --status failed
  aictl task list --type image_preprocess --since 2h -n 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.TaskFilter{Type: taskType, AgentID: agentID, UserID: userID, Limit: limit}
			if status != "" {
				st, err := models.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			if since > 0 {
				f.Since = models.Now().Add(-since)
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			tasks, err := m.ListTasks(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No tasks found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tPRIORITY\tSTATUS\tRETRIES\tAGENT\tCREATED")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					t.ID, t.Type, t.Priority, t.Status, t.RetryCount, t.MaxRetries, dash(t.AgentID), t.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&status, "status", "s", "", "filter by status (pending, completed, failed)")
	list.Flags().StringVarP(&taskType, "type", "t", "", "filter by task type")
	list.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	list.Flags().StringVar(&userID, "user", "", "filter by user id")
	list.Flags().DurationVar(&since, "since", 0, "only tasks created within this window")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "max results")

	cmd.AddCommand(get, list)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
