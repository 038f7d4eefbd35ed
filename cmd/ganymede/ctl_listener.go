package main

import (
	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var listenerAddFlags struct {
	id            string
	protocol      string
	address       string
	cluster       string
	publicAddress string
	expectProxy   bool
}

var ctlListenerCmd = &cobra.Command{
	Use:   "listener",
	Short: "Manage listening sockets",
}

var ctlListenerAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a listener",
	Long: `Bind a new listening socket on the supervisor and hand it to every
worker. For https listeners, push the certificate afterwards with
"ganymede ctl certificate".

Examples:
  ganymede ctl listener add --id web --protocol http --address 0.0.0.0:8000 --cluster app
  ganymede ctl listener add --id raw --protocol tcp --address 0.0.0.0:9000 --cluster db --expect-proxy`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := control.NewMessage(control.OrderAddListener)
		m.Listener = &control.ListenerSpec{
			ID:            listenerAddFlags.id,
			Protocol:      control.Protocol(listenerAddFlags.protocol),
			Address:       listenerAddFlags.address,
			Cluster:       listenerAddFlags.cluster,
			PublicAddress: listenerAddFlags.publicAddress,
			ExpectProxy:   listenerAddFlags.expectProxy,
		}
		return applyOrder(m)
	},
}

var ctlListenerRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a listener",
	Long: `Close a listening socket on every worker and release the port.
Established sessions keep running.

Examples:
  ganymede ctl listener remove --id web`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		m := control.NewMessage(control.OrderRemoveListener)
		m.ListenerID = id
		return applyOrder(m)
	},
}

func init() {
	ctlCmd.AddCommand(ctlListenerCmd)
	ctlListenerCmd.AddCommand(ctlListenerAddCmd)
	ctlListenerCmd.AddCommand(ctlListenerRemoveCmd)

	f := ctlListenerAddCmd.Flags()
	f.StringVar(&listenerAddFlags.id, "id", "", "listener id (required)")
	f.StringVar(&listenerAddFlags.protocol, "protocol", "http", "protocol: http, https, tcp")
	f.StringVar(&listenerAddFlags.address, "address", "", "bind host:port (required)")
	f.StringVar(&listenerAddFlags.cluster, "cluster", "", "cluster to route to")
	f.StringVar(&listenerAddFlags.publicAddress, "public-address", "", "externally visible address")
	f.BoolVar(&listenerAddFlags.expectProxy, "expect-proxy", false, "require a PROXY protocol header")
	ctlListenerAddCmd.MarkFlagRequired("id")
	ctlListenerAddCmd.MarkFlagRequired("address")

	ctlListenerRemoveCmd.Flags().String("id", "", "listener id (required)")
	ctlListenerRemoveCmd.MarkFlagRequired("id")
}
