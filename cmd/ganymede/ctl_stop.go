package main

import (
	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var ctlSoftStopCmd = &cobra.Command{
	Use:   "soft-stop",
	Short: "Stop after draining in-flight sessions",
	Long: `Ask the supervisor to stop. Listeners close immediately so no new
connections arrive; established sessions get up to the drain timeout
to finish before workers exit.

Examples:
  ganymede ctl soft-stop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOrder(control.NewMessage(control.OrderSoftStop))
	},
}

var ctlHardStopCmd = &cobra.Command{
	Use:   "hard-stop",
	Short: "Stop immediately, dropping sessions",
	Long: `Ask the supervisor to stop without draining. Every session is torn
down at once.

Examples:
  ganymede ctl hard-stop`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOrder(control.NewMessage(control.OrderHardStop))
	},
}

var ctlUpgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Replace worker processes in place",
	Long: `Rotate every worker: a replacement is spawned, brought up to the
active configuration and handed the listening sockets before its
predecessor drains. Combined with replacing the binary on disk first,
this upgrades the data plane with zero downtime.

Examples:
  ganymede ctl upgrade`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return applyOrder(control.NewMessage(control.OrderUpgradeWorker))
	},
}

func init() {
	ctlCmd.AddCommand(ctlSoftStopCmd)
	ctlCmd.AddCommand(ctlHardStopCmd)
	ctlCmd.AddCommand(ctlUpgradeCmd)
}
