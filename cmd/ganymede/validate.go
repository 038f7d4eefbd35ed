package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a configuration file",
	Long: `Load and validate a configuration file without starting anything.

All validation errors are reported at once, so a broken file can be
fixed in one pass.

Examples:
  # Validate the default config
  ganymede validate

  # Validate a specific file
  ganymede validate --config /etc/ganymede/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	_, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		var verr config.ValidationError
		if errors.As(err, &verr) {
			for _, fe := range verr.Errors {
				fmt.Printf("  %s: %s\n", fe.Field, fe.Message)
			}
		}
		return fmt.Errorf("configuration invalid: %w", err)
	}
	fmt.Printf("✓ %s is valid\n", cfgFile)
	return nil
}
