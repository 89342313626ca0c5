package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "Show processing tasks whose worker stopped heartbeating",
	Long: `Show tasks stuck in processing past their command's liveness window.

The next sweep requeues them, or fails them once their retries are used up.

Examples:
  # Show stuck tasks
  colonyctl stale

  # Show them, then run a sweep right away
  colonyctl stale --sweep`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sweep, _ := cmd.Flags().GetBool("sweep")

		c, err := newClient()
		if err != nil {
			return err
		}
		tasks, err := c.Stale(cmd.Context())
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		if len(tasks) == 0 {
			fmt.Printf("%s No stuck tasks found\n", green("✓"))
			return nil
		}

		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		fmt.Printf("\n%s Found %d stuck task(s):\n\n", yellow("⚠"), len(tasks))
		for _, t := range tasks {
			fmt.Printf("%s: %s\n", cyan(t.ID), t.Command)
			if t.WorkerID != nil {
				fmt.Printf("  Worker: %s\n", *t.WorkerID)
			}
			if t.LastHeartbeat != nil {
				fmt.Printf("  Reason: %s (no heartbeat for %s)\n", red("Stale heartbeat"), time.Since(*t.LastHeartbeat).Round(time.Second))
			}
			fmt.Printf("  Retries: %d\n\n", t.RetryCount)
		}

		if !sweep {
			fmt.Printf("Run 'colonyctl stale --sweep' to recover these tasks now\n")
			return nil
		}
		return runSweep(cmd)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run the stuck-task detector once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSweep(cmd)
	},
}

func runSweep(cmd *cobra.Command) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Sweep(cmd.Context())
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Sweep done: %d scanned, %d requeued, %d abandoned, %d external timeouts\n",
		green("✓"), res.Scanned, res.Requeued, res.Abandoned, res.Expired)
	return nil
}

func init() {
	staleCmd.Flags().Bool("sweep", false, "Run a sweep after listing")
	rootCmd.AddCommand(staleCmd, sweepCmd)
}
