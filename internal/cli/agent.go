package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ai-task-platform/internal/models"
	"ai-task-platform/internal/store"
)

func (a *app) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Inspect and remove agents",
	}

	var (
		agentType string
		status    string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := store.AgentFilter{Type: agentType}
			if status != "" {
				st, err := models.ParseAgentStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			agents, err := m.ListAgents(cmd.Context(), f)
			if err != nil {
				return fmt.Errorf("list agents: %w", err)
			}
			if a.asJSON {
				return printJSON(cmd.OutOrStdout(), agents)
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No agents found.")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tCAPABILITIES")
			for _, ag := range agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ag.ID, ag.Name, ag.Type, ag.Status, dash(strings.Join(ag.Capabilities, ",")))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVarP(&agentType, "type", "t", "", "filter by agent type")
	list.Flags().StringVarP(&status, "status", "s", "", "filter by status (active, idle, busy, offline)")

	var force bool
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an agent",
		Long: `Delete an agent. Tasks that reference it keep their agent_id.
Requires confirmation unless --force is used.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if !force {
				fmt.Fprintf(cmd.OutOrStdout(), "About to delete agent %s. Continue? [y/N]: ", id)
				response, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && response == "" {
					return fmt.Errorf("read input: %w", err)
				}
				response = strings.TrimSpace(strings.ToLower(response))
				if response != "y" && response != "yes" {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}
			m, err := a.manager(cmd.Context())
			if err != nil {
				return err
			}
			if err := m.DeleteAgent(cmd.Context(), id); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("agent not found: %s", id)
				}
				return fmt.Errorf("delete agent: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted agent %s\n", id)
			return nil
		},
	}
	del.Flags().BoolVarP(&force, "force", "f", false, "skip confirmation")

	cmd.AddCommand(list, del)
	return cmd
}
