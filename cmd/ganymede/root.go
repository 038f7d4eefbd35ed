package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "ganymede",
	Short: "Ganymede - hot-reloadable reverse proxy",
	Long: `Ganymede is a reverse proxy for HTTP/1 and raw TCP traffic whose
configuration changes at runtime without dropping connections.

A supervisor process owns the listening sockets and spawns worker
processes that run the data plane. Clusters, backends, listeners and
certificates are managed over a control socket while traffic flows,
and worker processes can be replaced in place for zero-downtime
binary upgrades.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
