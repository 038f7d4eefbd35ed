package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/control"
)

var stateFileFlag string

var ctlStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect, save or restore the active configuration",
}

// fetchDump queries the supervisor for its active configuration.
func fetchDump() (*control.ConfigDump, error) {
	a, err := sendOrder(control.NewMessage(control.OrderDumpState))
	if err != nil {
		return nil, err
	}
	if a.Status != control.StatusOK {
		return nil, fmt.Errorf("state dump failed: %s", a.Detail)
	}
	var dump control.ConfigDump
	if err := json.Unmarshal(a.Data, &dump); err != nil {
		return nil, fmt.Errorf("malformed state dump: %w", err)
	}
	return &dump, nil
}

var ctlStateDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the active configuration",
	Long: `Print the supervisor's active configuration as the specs that would
rebuild it: listeners, clusters and backends, including any runtime
changes applied since startup.

Examples:
  ganymede ctl state dump
  ganymede ctl state dump --format json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dump, err := fetchDump()
		if err != nil {
			return err
		}

		if ctlFlags.format == "json" {
			return ctlFormatter().FormatTo(os.Stdout, dump)
		}
		for _, l := range dump.Listeners {
			fmt.Printf("listener %s: %s on %s", l.ID, l.Protocol, l.Address)
			if l.Cluster != "" {
				fmt.Printf(" -> %s", l.Cluster)
			}
			fmt.Println()
		}
		for _, c := range dump.Clusters {
			fmt.Printf("cluster %s (%s)\n", c.Name, c.Policy)
			for _, b := range dump.Backends {
				if b.Cluster == c.Name {
					fmt.Printf("  backend %s weight %d\n", b.Address, b.Weight)
				}
			}
		}
		return nil
	},
}

var ctlStateSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the active configuration to a file",
	Long: `Write the active configuration to a JSON file that
"ganymede ctl state load" can restore later.

Examples:
  ganymede ctl state save --file topology.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dump, err := fetchDump()
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(dump, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(stateFileFlag, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write state file: %w", err)
		}
		fmt.Printf("saved to %s\n", stateFileFlag)
		return nil
	},
}

var ctlStateLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Restore a saved configuration",
	Long: `Converge the running instance on a previously saved state file:
everything in the file but not running is added, everything running
but not in the file is removed.

Certificate material is not part of a state dump; https listeners
restored this way need a "ganymede ctl certificate" push afterwards.

Examples:
  ganymede ctl state load --file topology.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(stateFileFlag)
		if err != nil {
			return fmt.Errorf("failed to read state file: %w", err)
		}
		var want control.ConfigDump
		if err := json.Unmarshal(data, &want); err != nil {
			return fmt.Errorf("malformed state file: %w", err)
		}

		have, err := fetchDump()
		if err != nil {
			return err
		}

		orders := convergeOrders(have, &want)
		if len(orders) == 0 {
			fmt.Println("already converged")
			return nil
		}
		for _, m := range orders {
			a, err := sendOrder(m)
			if err != nil {
				return err
			}
			if a.Status != control.StatusOK {
				return fmt.Errorf("%s rejected: %s", m.Type, a.Detail)
			}
		}
		fmt.Printf("applied %d orders\n", len(orders))
		return nil
	},
}

// convergeOrders turns the difference between two dumps into orders,
// removals before additions so names and ports free up first.
func convergeOrders(have, want *control.ConfigDump) []*control.Message {
	var orders []*control.Message

	wantListeners := make(map[string]control.ListenerSpec)
	for _, l := range want.Listeners {
		wantListeners[l.ID] = l
	}
	wantClusters := make(map[string]control.ClusterSpec)
	for _, c := range want.Clusters {
		wantClusters[c.Name] = c
	}
	wantBackends := make(map[string]control.BackendSpec)
	for _, b := range want.Backends {
		wantBackends[b.Cluster+"|"+b.Address] = b
	}

	for _, l := range have.Listeners {
		if _, ok := wantListeners[l.ID]; !ok {
			m := control.NewMessage(control.OrderRemoveListener)
			m.ListenerID = l.ID
			orders = append(orders, m)
		}
	}
	haveClusters := make(map[string]struct{})
	for _, b := range have.Backends {
		if _, ok := wantBackends[b.Cluster+"|"+b.Address]; !ok {
			b := b
			m := control.NewMessage(control.OrderRemoveBackend)
			m.Backend = &b
			orders = append(orders, m)
		}
	}
	for _, c := range have.Clusters {
		haveClusters[c.Name] = struct{}{}
		if _, ok := wantClusters[c.Name]; !ok {
			m := control.NewMessage(control.OrderRemoveCluster)
			m.Cluster = &control.ClusterSpec{Name: c.Name}
			orders = append(orders, m)
		}
	}

	haveListeners := make(map[string]struct{})
	for _, l := range have.Listeners {
		haveListeners[l.ID] = struct{}{}
	}
	haveBackends := make(map[string]control.BackendSpec)
	for _, b := range have.Backends {
		haveBackends[b.Cluster+"|"+b.Address] = b
	}

	for _, c := range want.Clusters {
		if _, ok := haveClusters[c.Name]; !ok {
			c := c
			m := control.NewMessage(control.OrderAddCluster)
			m.Cluster = &c
			orders = append(orders, m)
		}
	}
	for _, b := range want.Backends {
		if got, ok := haveBackends[b.Cluster+"|"+b.Address]; !ok || got.Weight != b.Weight {
			b := b
			m := control.NewMessage(control.OrderAddBackend)
			m.Backend = &b
			orders = append(orders, m)
		}
	}
	for _, l := range want.Listeners {
		if _, ok := haveListeners[l.ID]; !ok {
			l := l
			m := control.NewMessage(control.OrderAddListener)
			m.Listener = &l
			orders = append(orders, m)
		}
	}

	return orders
}

func init() {
	ctlCmd.AddCommand(ctlStateCmd)
	ctlStateCmd.AddCommand(ctlStateDumpCmd)
	ctlStateCmd.AddCommand(ctlStateSaveCmd)
	ctlStateCmd.AddCommand(ctlStateLoadCmd)

	for _, c := range []*cobra.Command{ctlStateSaveCmd, ctlStateLoadCmd} {
		c.Flags().StringVar(&stateFileFlag, "file", "", "state file path (required)")
		c.MarkFlagRequired("file")
	}
}
