package main

import (
	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var clusterAddFlags struct {
	name       string
	policy     string
	stickyKey  string
	maxRetries int
}

var ctlClusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage backend clusters",
}

var ctlClusterAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a cluster",
	Long: `Add a backend cluster to every worker.

Examples:
  ganymede ctl cluster add --name app
  ganymede ctl cluster add --name app --policy least-connections
  ganymede ctl cluster add --name app --policy sticky --sticky-key X-Session-ID`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := control.NewMessage(control.OrderAddCluster)
		m.Cluster = &control.ClusterSpec{
			Name:       clusterAddFlags.name,
			Policy:     clusterAddFlags.policy,
			StickyKey:  clusterAddFlags.stickyKey,
			MaxRetries: clusterAddFlags.maxRetries,
		}
		return applyOrder(m)
	},
}

var ctlClusterRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a cluster",
	Long: `Remove a cluster and all its backends from every worker. Sessions
already proxying through it finish; new requests answer 503.

Examples:
  ganymede ctl cluster remove --name app`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		m := control.NewMessage(control.OrderRemoveCluster)
		m.Cluster = &control.ClusterSpec{Name: name}
		return applyOrder(m)
	},
}

func init() {
	ctlCmd.AddCommand(ctlClusterCmd)
	ctlClusterCmd.AddCommand(ctlClusterAddCmd)
	ctlClusterCmd.AddCommand(ctlClusterRemoveCmd)

	f := ctlClusterAddCmd.Flags()
	f.StringVar(&clusterAddFlags.name, "name", "", "cluster name (required)")
	f.StringVar(&clusterAddFlags.policy, "policy", "round-robin", "balancing policy: round-robin, least-connections, sticky")
	f.StringVar(&clusterAddFlags.stickyKey, "sticky-key", "", "HTTP header hashed by the sticky policy")
	f.IntVar(&clusterAddFlags.maxRetries, "max-retries", 0, "per-cluster connect retry override")
	ctlClusterAddCmd.MarkFlagRequired("name")

	ctlClusterRemoveCmd.Flags().String("name", "", "cluster name (required)")
	ctlClusterRemoveCmd.MarkFlagRequired("name")
}
