package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

// cfgFile overrides the default config location.
var cfgFile string

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.restaurant-offline, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".restaurant-offline")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file over the defaults. A missing file yields
// the defaults.
func loadConfig() (*offline.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return loadConfigFrom(path)
}

func loadConfigFrom(path string) (*offline.Config, error) {
	cfg := offline.DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *offline.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return saveConfigTo(path, cfg)
}

func saveConfigTo(path string, cfg *offline.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "worker.listen").
func setConfigValue(cfg *offline.Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. worker.listen)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "worker":
		switch field {
		case "listen":
			cfg.Worker.Listen = value
		case "app_origin":
			cfg.Worker.AppOrigin = value
		case "api_origin":
			cfg.Worker.APIOrigin = value
		case "sw_url":
			cfg.Worker.SWURL = value
		case "ask_user_before_applying_update":
			return setBool(&cfg.Worker.AskUserBeforeApplyingUpdate, value)
		case "reply_timeout":
			return cfg.Worker.ReplyTimeout.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [worker]", field)
		}
	case "precache":
		switch field {
		case "strategy":
			cfg.Precache.Strategy = offline.PrecacheStrategy(value)
		case "cache_name":
			cfg.Precache.CacheName = value
		case "cache_size_mb":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("cache_size_mb must be a positive integer")
			}
			cfg.Precache.CacheSizeMB = n
		case "offline_image":
			cfg.Precache.OfflineImage = value
		case "navigate_fallback":
			cfg.Precache.NavigateFallback = value
		default:
			return fmt.Errorf("unknown field %q in section [precache]", field)
		}
	case "store":
		switch field {
		case "dir":
			cfg.Store.Dir = value
		case "name":
			cfg.Store.Name = value
		default:
			return fmt.Errorf("unknown field %q in section [store]", field)
		}
	case "sync":
		switch field {
		case "queue_dir":
			cfg.Sync.QueueDir = value
		case "replay_timeout":
			return cfg.Sync.ReplayTimeout.UnmarshalText([]byte(value))
		case "fetch_timeout":
			return cfg.Sync.FetchTimeout.UnmarshalText([]byte(value))
		case "probe_interval":
			return cfg.Sync.ProbeInterval.UnmarshalText([]byte(value))
		case "probe_path":
			cfg.Sync.ProbePath = value
		case "retry_max_interval":
			return cfg.Sync.RetryMaxInterval.UnmarshalText([]byte(value))
		default:
			return fmt.Errorf("unknown field %q in section [sync]", field)
		}
	case "notify":
		switch field {
		case "webhook_url":
			cfg.Notify.WebhookURL = value
		case "webhook_secret":
			cfg.Notify.WebhookSecret = value
		case "icon":
			cfg.Notify.Icon = value
		default:
			return fmt.Errorf("unknown field %q in section [notify]", field)
		}
	case "logging":
		switch field {
		case "level":
			cfg.Logging.Level = strings.ToUpper(value)
		case "format":
			cfg.Logging.Format = strings.ToUpper(value)
		default:
			return fmt.Errorf("unknown field %q in section [logging]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: worker, precache, store, sync, notify, logging)", section)
	}
	return nil
}

func setBool(dst *bool, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean %q", value)
	}
	*dst = v
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "restaurant-offline",
	Short: "Offline-first worker for the restaurant-review app",
	Long: "Runs the offline worker between the restaurant-review app and its REST backend,\n" +
		"and talks to a running worker: browse restaurants, post reviews, replay queued writes.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.restaurant-offline/config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
