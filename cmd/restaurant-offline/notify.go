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

var notifyListen string

func init() {
	notifyListenCmd.Flags().StringVar(&notifyListen, "listen", "127.0.0.1:8090", "address to receive notifications on")
	notifyCmd.AddCommand(notifyListenCmd)
	rootCmd.AddCommand(notifyCmd)
}

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "System notification tools",
}

var notifyListenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive and print signed system notifications",
	Long: "Serve the endpoint configured as notify.webhook_url. Each notification is verified\n" +
		"against notify.webhook_secret and printed.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		receiver, err := offline.NewNotificationReceiver(cfg.Notify.WebhookSecret, func(n *offline.SystemNotification) error {
			fmt.Printf("[%s] %s: %s (%s)\n", time.Now().Format(time.TimeOnly), n.Title, n.Body, n.Tag)
			return nil
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{Addr: notifyListen, Handler: receiver, ReadHeaderTimeout: 10 * time.Second}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		fmt.Println("Listening for notifications on", notifyListen)

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
