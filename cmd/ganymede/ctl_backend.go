package main

import (
	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var backendFlags struct {
	cluster string
	address string
	weight  int
}

var ctlBackendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Manage cluster backends",
}

var ctlBackendAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a backend to a cluster",
	Long: `Add a backend to a cluster on every worker. Adding an existing
address again updates its weight.

Examples:
  ganymede ctl backend add --cluster app --address 10.0.0.5:8080
  ganymede ctl backend add --cluster app --address 10.0.0.5:8080 --weight 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := control.NewMessage(control.OrderAddBackend)
		m.Backend = &control.BackendSpec{
			Cluster: backendFlags.cluster,
			Address: backendFlags.address,
			Weight:  backendFlags.weight,
		}
		return applyOrder(m)
	},
}

var ctlBackendRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a backend from a cluster",
	Long: `Remove a backend on every worker. In-flight requests to it finish;
pooled idle connections to it are closed immediately.

Examples:
  ganymede ctl backend remove --cluster app --address 10.0.0.5:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := control.NewMessage(control.OrderRemoveBackend)
		m.Backend = &control.BackendSpec{
			Cluster: backendFlags.cluster,
			Address: backendFlags.address,
		}
		return applyOrder(m)
	},
}

func init() {
	ctlCmd.AddCommand(ctlBackendCmd)
	ctlBackendCmd.AddCommand(ctlBackendAddCmd)
	ctlBackendCmd.AddCommand(ctlBackendRemoveCmd)

	for _, c := range []*cobra.Command{ctlBackendAddCmd, ctlBackendRemoveCmd} {
		c.Flags().StringVar(&backendFlags.cluster, "cluster", "", "cluster name (required)")
		c.Flags().StringVar(&backendFlags.address, "address", "", "backend host:port (required)")
		c.MarkFlagRequired("cluster")
		c.MarkFlagRequired("address")
	}
	ctlBackendAddCmd.Flags().IntVar(&backendFlags.weight, "weight", 1, "round-robin weight")
}
