package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

const shutdownTimeout = 10 * time.Second

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides worker.listen)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline worker",
	Long: "Start the worker between the app origin and the API origin. The app reaches the backend\n" +
		"through /api on the listen address; tabs connect to the worker at worker.sw_url.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		if serveListen != "" {
			cfg.Worker.Listen = serveListen
		}
		logger := newLogger(cfg)
		defer logger.Sync()
		log := logger.Sugar()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		w, err := offline.New(ctx, *cfg, offline.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		defer w.Close()

		w.On(offline.WorkerEventOnline, func(string, any) { log.Infow("network online") })
		w.On(offline.WorkerEventOffline, func(string, any) { log.Warnw("network offline") })
		w.On(offline.WorkerEventReplayed, func(_ string, payload any) {
			if results, ok := payload.([]offline.ReplayResult); ok {
				log.Infow("queues replayed", "results", results)
			}
		})

		// A failed install leaves the worker redundant; it keeps proxying.
		if err := w.Start(ctx); err != nil {
			log.Errorw("worker did not activate", "error", err)
		}

		srv := &http.Server{
			Addr:              cfg.Worker.Listen,
			Handler:           w.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() {
			log.Infow("worker listening", "addr", cfg.Worker.Listen, "state", w.Lifecycle().State())
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
