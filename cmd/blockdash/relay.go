package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/simondcohen/scblockerdashboard/internal/notify"
)

var relayAddr string

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the change-notification relay hub (foreground)",
	Long: `Run a loopback WebSocket hub that relays change notifications
between blockdash processes.

Processes started with --relay pointing at this hub learn about each
other's writes immediately instead of waiting for their next poll tick.
The hub carries no document data, only change notifications.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		hub := notify.NewHub(&notify.HubConfig{
			Addr:   relayAddr,
			Logger: newLogger("[relay] "),
		})
		if err := hub.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Relay hub listening on %s. Press Ctrl+C to stop.\n", hub.Addr())

		<-ctx.Done()
		if err := hub.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping hub: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	relayCmd.Flags().StringVar(&relayAddr, "addr", "127.0.0.1:7341", "address to listen on")
	rootCmd.AddCommand(relayCmd)
}
