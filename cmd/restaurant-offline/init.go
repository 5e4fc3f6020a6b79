package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to ~/.restaurant-offline/config.toml",
	Long:  "Initialize the worker by writing a configuration file populated with defaults.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !initForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}

		cfg := offline.DefaultConfig()
		if err := saveConfig(&cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Printf("Default configuration written to %s\n", path)
		return nil
	},
}
