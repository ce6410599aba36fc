package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, local state and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, cfg, closeFn, err := openMessenger()
		if err != nil {
			return err
		}
		defer closeFn()

		dir, _ := dataDir(cfg)
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", m.Client().BaseURL())
		fmt.Printf("  Realtime:  %s\n", m.Client().RealtimeURL())
		fmt.Printf("  Data dir:  %s\n", dir)
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Printf("  Webhook:   %s\n", valueOrDefault(cfg.Notify.WebhookURL, "(not set)"))

		fmt.Println()
		fmt.Println("Local state:")
		fmt.Printf("  Links created: %d\n", len(m.Cache().Links()))
		fmt.Printf("  Chats joined:  %d\n", len(m.Cache().ChatHistory()))

		fmt.Println()
		fmt.Println("Backend:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m.Start(ctx)
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for !m.Session().Connected() {
			select {
			case <-ctx.Done():
				fmt.Println("  Realtime:  unreachable")
				return nil
			case <-tick.C:
			}
		}
		fmt.Println("  Realtime:  connected")
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
