package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/engine"
	"github.com/simondcohen/scblockerdashboard/internal/notify"
	"github.com/simondcohen/scblockerdashboard/internal/schema"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the block list live (foreground)",
	Long: `Watch the backing store and print every change as it lands.

Changes arrive three ways: the engine's own poll loop, filesystem events
on the backing file, and, with --relay set, broadcasts from other
processes through a relay hub. Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := newLogger("[watch] ")

		// Assemble the notification transports up front. The in-process
		// bus is always there; the file watcher and relay client join
		// when available.
		transports := []notify.Notifier{notify.NewBus()}

		if path, ok := registeredHandle(ctx); ok {
			fw, err := notify.NewFileWatcher(path, logger)
			if err != nil {
				logger.Printf("Warning: file watcher unavailable: %v", err)
			} else if err := fw.Start(); err != nil {
				logger.Printf("Warning: file watcher failed to start: %v", err)
				fw.Close()
			} else {
				transports = append(transports, fw)
			}
		}

		if relay := viper.GetString("relay"); relay != "" {
			client, err := notify.DialHub(ctx, fmt.Sprintf("ws://%s/ws", relay), logger)
			if err != nil {
				logger.Printf("Warning: relay hub unreachable: %v", err)
			} else {
				transports = append(transports, client)
			}
		}

		notifier := notify.NewMulti(transports...)
		defer notifier.Close()

		eng, cleanup, err := startEngine(ctx, backend.NoPrompter{}, notifier)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		fmt.Printf("Watching %s store", eng.Mode())
		if name := eng.FileName(); name != "" {
			fmt.Printf(" (%s)", name)
		}
		fmt.Println(". Press Ctrl+C to stop.")

		unsubBlocks := eng.SubscribeBlocks(func(blocks []schema.Block) {
			fmt.Printf("\n--- %d block(s) ---\n", len(blocks))
			printBlocks(blocks)
		})
		defer unsubBlocks()

		unsubStandard := eng.SubscribeStandard(func(standard []schema.StandardBlock) {
			printStandardBlocks(standard)
		})
		defer unsubStandard()

		unsubMode := eng.SubscribeMode(func(m engine.Mode) {
			fmt.Printf("mode: %s\n", m)
		})
		defer unsubMode()

		unsubSaving := eng.SubscribeSaving(func(saving bool) {
			if saving {
				fmt.Println(dimStyle.Render("saving..."))
			}
		})
		defer unsubSaving()

		printBlocks(eng.Blocks())

		<-ctx.Done()
		fmt.Println("\nStopping")
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
