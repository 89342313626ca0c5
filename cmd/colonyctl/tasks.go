package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"colony-tasks/pkg/client"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	Example: `  colonyctl list --status pending
  colonyctl list --priority critical --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		opts := client.ListOptions{}
		opts.Status, _ = cmd.Flags().GetString("status")
		opts.Priority, _ = cmd.Flags().GetString("priority")
		opts.Command, _ = cmd.Flags().GetString("command")
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.Cursor, _ = cmd.Flags().GetString("cursor")

		out, err := c.List(cmd.Context(), opts)
		if err != nil {
			return err
		}

		printTasks(out.Tasks)
		if out.HasMore {
			fmt.Printf("\nMore results: colonyctl list --cursor %s\n", out.NextCursor)
		}
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		t, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(t)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count tasks by status and priority",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		stats, err := c.Stats(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STATUS\tPRIORITY\tCOUNT")
		for _, s := range stats {
			fmt.Fprintf(w, "%s\t%s\t%d\n", statusColor(s.Status), s.Priority, s.Count)
		}
		return w.Flush()
	},
}

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <command>",
	Short: "Enqueue a task",
	Args:  cobra.ExactArgs(1),
	Example: `  colonyctl enqueue generate_image --priority high --metadata '{"prompt":"a red fox"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		req := client.EnqueueRequest{Command: args[0]}
		req.Origin, _ = cmd.Flags().GetString("origin")
		req.Priority, _ = cmd.Flags().GetString("priority")

		raw, _ := cmd.Flags().GetString("metadata")
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &req.Metadata); err != nil {
				return fmt.Errorf("invalid --metadata: %w", err)
			}
		}

		id, err := c.Enqueue(cmd.Context(), req)
		if err != nil {
			return err
		}
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Enqueued %s\n", green("✓"), id)
		return nil
	},
}

func statusColor(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "processing", "async_waiting":
		return color.CyanString(status)
	default:
		return status
	}
}

func printTasks(tasks []*client.Task) {
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tPRIORITY\tWORKER\tRETRIES\tCREATED")
	for _, t := range tasks {
		worker := "-"
		if t.WorkerID != nil {
			worker = *t.WorkerID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			t.ID, t.Command, statusColor(t.Status), t.Priority, worker, t.RetryCount,
			t.CreatedAt.Local().Format(time.DateTime))
	}
	_ = w.Flush()
}

func init() {
	listCmd.Flags().String("status", "", "Filter by status (pending, processing, completed, failed, async_waiting)")
	listCmd.Flags().String("priority", "", "Filter by priority (low, normal, high, critical)")
	listCmd.Flags().String("command", "", "Filter by command")
	listCmd.Flags().Int("limit", 50, "Page size")
	listCmd.Flags().String("cursor", "", "Cursor from a previous page")

	enqueueCmd.Flags().String("origin", "colonyctl", "Originating surface")
	enqueueCmd.Flags().String("priority", "normal", "Priority (low, normal, high, critical)")
	enqueueCmd.Flags().String("metadata", "", "JSON object passed to the worker")

	rootCmd.AddCommand(listCmd, getCmd, statsCmd, enqueueCmd)
}
