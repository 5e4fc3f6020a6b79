package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	offline "github.com/mnaz/restaurant-offline"
)

var tabHidden bool

func init() {
	tabCmd.Flags().BoolVar(&tabHidden, "hidden", false, "answer isVisible with false")
	rootCmd.AddCommand(tabCmd, syncCmd, skipWaitingCmd)
}

func hubURL(cfg *offline.Config) string {
	return workerURL(cfg) + cfg.Worker.SWURL
}

var tabCmd = &cobra.Command{
	Use:   "tab",
	Short: "Connect as a tab and print worker events",
	Long:  "Join the worker's tab hub, acknowledge every event and print it. Runs until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		tab := offline.NewTabClient(hubURL(cfg), &offline.TabConfig{AutoReconnect: true, Visible: !tabHidden})
		for _, ev := range []offline.Event{
			offline.EventUpdateContent,
			offline.EventReload,
			offline.EventRequestSaved,
			offline.EventUpdateWaiting,
		} {
			tab.On(ev, func(e offline.Event) {
				fmt.Printf("[%s] %s\n", time.Now().Format(time.TimeOnly), e)
			})
		}
		tab.OnConnected(func() { fmt.Println("Connected to", hubURL(cfg)) })
		tab.OnDisconnected(func(err error) { fmt.Println("Disconnected:", err) })
		tab.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Printf("Reconnecting (attempt %d) in %s\n", attempt, delay)
		})

		if err := tab.Connect(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return tab.Disconnect()
	},
}

// sendAction connects briefly as a tab and sends a single action.
func sendAction(a offline.ActionMessage) error {
	cfg := mustLoadConfig()
	ctx, cancel := commandContext()
	defer cancel()

	tab := offline.NewTabClient(hubURL(cfg), &offline.TabConfig{})
	if err := tab.Connect(ctx); err != nil {
		return err
	}
	defer tab.Disconnect()
	if err := tab.SendAction(ctx, a); err != nil {
		return err
	}
	fmt.Printf("Sent %s\n", a.Action)
	return nil
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay every queued write now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAction(offline.ActionMessage{Action: offline.ActionBgSyncPolyfill})
	},
}

var skipWaitingCmd = &cobra.Command{
	Use:   "skip-waiting",
	Short: "Activate a worker waiting for approval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendAction(offline.ActionMessage{Action: offline.ActionSkipWaiting})
	},
}
