package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status document")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and the state of the running worker",
	Long:  "Display the configured origins, then query the running worker for its lifecycle state, connectivity and queued writes.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()

		if !statusJSON {
			fmt.Println("Configuration:")
			fmt.Printf("  Listen:      %s\n", cfg.Worker.Listen)
			fmt.Printf("  App origin:  %s\n", cfg.Worker.AppOrigin)
			fmt.Printf("  API origin:  %s\n", cfg.Worker.APIOrigin)
			fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Store.Dir, "(in memory)"))
			fmt.Printf("  Strategy:    %s\n", cfg.Precache.Strategy)
			fmt.Println()
		}

		ctx, cancel := commandContext()
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, workerURL(cfg)+offline.StatusPath, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Worker: not reachable (%v)\n", err)
			return nil
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &offline.APIError{Status: resp.StatusCode, Body: string(body)}
		}

		var status offline.Status
		if err := json.Unmarshal(body, &status); err != nil {
			return fmt.Errorf("cannot decode status: %w", err)
		}
		if statusJSON {
			return printJSON(status)
		}

		fmt.Println("Worker:")
		fmt.Printf("  State:       %s\n", status.State)
		fmt.Printf("  Online:      %t\n", status.Online)
		fmt.Printf("  Tabs:        %d\n", status.Tabs)
		if status.StoreAvailable {
			fmt.Printf("  Store:       schema v%d\n", status.SchemaVersion)
		} else {
			fmt.Println("  Store:       unavailable (network-only)")
		}
		fmt.Printf("  Precached:   %d entries\n", len(status.Precached))
		fmt.Printf("  Triggers:    %d pending\n", status.Triggers)

		names := make([]string, 0, len(status.Pending))
		for name := range status.Pending {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  Queue %-12s %d\n", name+":", status.Pending[name])
		}
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
