package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var ctlStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	Long: `Query every worker for its run state and session count.

Examples:
  ganymede ctl status
  ganymede ctl status --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := sendOrder(control.NewMessage(control.OrderStatus))
		if err != nil {
			return err
		}
		if a.Status != control.StatusOK {
			return fmt.Errorf("status query failed: %s", a.Detail)
		}

		var reports []control.StatusReport
		if err := json.Unmarshal(a.Data, &reports); err != nil {
			return fmt.Errorf("malformed status reports: %w", err)
		}

		if ctlFlags.format == "json" {
			return ctlFormatter().FormatTo(os.Stdout, reports)
		}
		fmt.Printf("%-8s %-8s %-10s %-10s %s\n", "WORKER", "PID", "STATE", "SESSIONS", "UPTIME")
		for _, r := range reports {
			fmt.Printf("%-8d %-8d %-10s %-10d %ds\n",
				r.WorkerID, r.PID, r.RunState, r.ActiveSessions, r.UptimeSeconds)
		}
		return nil
	},
}

var ctlMetricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show worker metrics",
	Long: `Query every worker for session, pool and cluster counters.

Examples:
  ganymede ctl metrics
  ganymede ctl metrics --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := sendOrder(control.NewMessage(control.OrderMetrics))
		if err != nil {
			return err
		}
		if a.Status != control.StatusOK {
			return fmt.Errorf("metrics query failed: %s", a.Detail)
		}

		var reports []control.MetricsReport
		if err := json.Unmarshal(a.Data, &reports); err != nil {
			return fmt.Errorf("malformed metrics reports: %w", err)
		}

		if ctlFlags.format == "json" {
			return ctlFormatter().FormatTo(os.Stdout, reports)
		}
		for _, r := range reports {
			fmt.Printf("worker %d: %d sessions, %d idle pooled, %d pool reuses\n",
				r.WorkerID, r.ActiveSessions, r.PooledIdle, r.PoolReuses)
			for name, c := range r.Clusters {
				fmt.Printf("  cluster %s: %d/%d backends healthy, %d active\n",
					name, c.Healthy, c.Backends, c.ActiveSessions)
			}
		}
		return nil
	},
}

func init() {
	ctlCmd.AddCommand(ctlStatusCmd)
	ctlCmd.AddCommand(ctlMetricsCmd)
}
