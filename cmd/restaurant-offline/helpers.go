package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	offline "github.com/mnaz/restaurant-offline"
)

const requestTimeout = 15 * time.Second

// mustLoadConfig loads the config or exits.
func mustLoadConfig() *offline.Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// workerURL is the base URL of a worker listening on cfg.Worker.Listen.
func workerURL(cfg *offline.Config) string {
	listen := cfg.Worker.Listen
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

// getClient creates a REST client routed through the running worker.
func getClient() *offline.Client {
	cfg := mustLoadConfig()
	return offline.NewClient(workerURL(cfg)+offline.APIPathPrefix, offline.WithClientTimeout(requestTimeout))
}

// newLogger builds the zap logger selected by the logging section.
func newLogger(cfg *offline.Config) *zap.Logger {
	return offline.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
