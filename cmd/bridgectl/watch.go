package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/klingon-exchange/klingon-bridge/internal/rpc"
)

var watchCmd = &cobra.Command{
	Use:   "watch [id]",
	Short: "Stream swap events from the daemon",
	Long: `Stream swap events over the daemon's WebSocket. With an id the daemon
sends only that session's events, starting with its current snapshot.
Press Ctrl+C to stop.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sessions []string
		if len(args) == 1 {
			sessions = args
		}
		types, _ := cmd.Flags().GetStringSlice("events")
		events := make([]rpc.EventType, 0, len(types))
		for _, t := range types {
			events = append(events, rpc.EventType(t))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !jsonOutput() {
			fmt.Printf("\nWatching swap events on %s. Press Ctrl+C to stop.\n\n", color.CyanString(newClient().URL()))
		}

		err := newClient().Subscribe(ctx, events, sessions, func(ev rpc.WSEvent) {
			if jsonOutput() {
				data, _ := json.Marshal(ev)
				fmt.Println(string(data))
				return
			}
			fmt.Println(formatEvent(ev))
		})
		if err != nil && err != context.Canceled {
			printError(err)
			return err
		}
		return nil
	},
}

func init() {
	watchCmd.Flags().StringSlice("events", nil, "Event types to receive (default all)")
	rootCmd.AddCommand(watchCmd)
}
