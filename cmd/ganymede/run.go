package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/cli"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/supervisor"
	"mercator-hq/ganymede/pkg/telemetry/logging"
)

var runFlags struct {
	workers  int
	logLevel string
	watch    bool
	dryRun   bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Start the supervisor, which binds the configured listeners, spawns
worker processes and serves the control socket.

If the state log contains orders from a previous run, they are
replayed instead of the configuration file, so runtime changes
survive restarts.

Examples:
  # Start with default config
  ganymede run

  # Start with a custom config and four workers
  ganymede run --config /etc/ganymede/config.yaml --workers 4

  # Reload the config file automatically while running
  ganymede run --watch

  # Validate config without starting
  ganymede run --dry-run`,
	RunE: runSupervisor,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().IntVarP(&runFlags.workers, "workers", "w", 0, "override worker process count")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.watch, "watch", false, "watch the config file and hot-reload changes")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return cli.NewConfigError("", err.Error())
	}

	if runFlags.workers > 0 {
		cfg.Workers = runFlags.workers
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}
	if runFlags.watch {
		cfg.Watch = true
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	if runFlags.dryRun {
		fmt.Println("✓ Configuration valid")
		return nil
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.Telemetry.Logging.Level,
		Format: cfg.Telemetry.Logging.Format,
		Output: cfg.Telemetry.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	sup, err := supervisor.New(cfg, supervisor.Options{
		ConfigPath: cfgFile,
		Logger:     log.Logger,
	})
	if err != nil {
		return err
	}
	defer sup.Close()

	ctx := cli.SetupSignalHandler()
	return sup.Run(ctx)
}
