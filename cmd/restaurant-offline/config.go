package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or change the worker configuration",
	Long:  "Inspect or change the worker configuration stored in ~/.restaurant-offline/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:       "show [section]",
	Short:     "Print the effective configuration",
	Long:      "Print the configuration the worker would start with: defaults overlaid with the config file.\nSecrets are masked. Pass a section name to print only that section.",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: sectionNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfigFrom(path)
		if err != nil {
			return err
		}
		only := ""
		if len(args) == 1 {
			only = args[0]
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s not found, showing defaults\n", path)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		}
		return renderConfig(cmd.OutOrStdout(), cfg, only)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <section.field> <value>",
	Short: "Change one configuration value",
	Long:  "Change one configuration value and write the file back.\nExample: restaurant-offline config set worker.api_origin http://localhost:1337",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("%s = %q rejected: %w", key, value, err)
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}

		section := strings.SplitN(key, ".", 2)[0]
		return renderConfig(cmd.OutOrStdout(), cfg, section)
	},
}

// configSection pairs a TOML table name with the part of offline.Config
// stored under it.
type configSection struct {
	name  string
	value any
}

func configSections(cfg *offline.Config) []configSection {
	notify := cfg.Notify
	if notify.WebhookSecret != "" {
		notify.WebhookSecret = "********"
	}
	return []configSection{
		{"worker", cfg.Worker},
		{"precache", cfg.Precache},
		{"store", cfg.Store},
		{"sync", cfg.Sync},
		{"notify", notify},
		{"logging", cfg.Logging},
	}
}

func sectionNames() []string {
	var names []string
	for _, s := range configSections(&offline.Config{}) {
		names = append(names, s.name)
	}
	return names
}

// renderConfig writes cfg as TOML tables, or only the table named only.
func renderConfig(w io.Writer, cfg *offline.Config, only string) error {
	printed := false
	for _, s := range configSections(cfg) {
		if only != "" && s.name != only {
			continue
		}
		data, err := toml.Marshal(s.value)
		if err != nil {
			return fmt.Errorf("encode [%s]: %w", s.name, err)
		}
		if printed {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "[%s]\n%s", s.name, data)
		printed = true
	}
	if !printed {
		return fmt.Errorf("unknown config section %q (valid: %s)", only, strings.Join(sectionNames(), ", "))
	}
	return nil
}
