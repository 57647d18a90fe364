// Command blockdash is the local-first time-block tracker.
//
// Blocks persist to a user-chosen JSON file when one is registered, to an
// embedded SQLite store otherwise, and to memory as a last resort. Several
// processes can share one backing file; concurrent edits are merged.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/simondcohen/scblockerdashboard/internal/backend"
	"github.com/simondcohen/scblockerdashboard/internal/engine"
	"github.com/simondcohen/scblockerdashboard/internal/notify"
	"github.com/simondcohen/scblockerdashboard/internal/registry"
)

var rootCmd = &cobra.Command{
	Use:   "blockdash",
	Short: "Local-first time-block tracker",
	Long: `blockdash tracks time blocks in a local-first store.

The backing store is chosen at startup: a registered JSON file if one
exists, the embedded database otherwise, plain memory as a last resort.
Use 'blockdash file set' to pick a backing file; every process pointed at
the same file converges on the same block list.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("state-dir", "", "state directory (default ~/.blockdash)")
	rootCmd.PersistentFlags().String("log-file", "", "append logs to a rotating file instead of stderr")
	rootCmd.PersistentFlags().String("relay", "", "relay hub address for cross-process change notifications")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress engine logging")

	_ = viper.BindPFlag("state-dir", rootCmd.PersistentFlags().Lookup("state-dir"))
	_ = viper.BindPFlag("log-file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("relay", rootCmd.PersistentFlags().Lookup("relay"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))

	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(stateDir())
	viper.SetEnvPrefix("BLOCKDASH")
	viper.AutomaticEnv()

	// A missing config file is the normal case.
	_ = viper.ReadInConfig()
}

// stateDir returns the directory holding the handle registry, the
// key-value store, and the optional config file.
func stateDir() string {
	if dir := viper.GetString("state-dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockdash"
	}
	return filepath.Join(home, ".blockdash")
}

// newLogger builds the process logger. With --log-file set it writes to a
// size-rotated file, otherwise to stderr.
func newLogger(prefix string) *log.Logger {
	if viper.GetBool("quiet") {
		return log.New(io.Discard, "", 0)
	}
	if logFile := viper.GetString("log-file"); logFile != "" {
		return log.New(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, prefix, log.LstdFlags)
	}
	return log.New(os.Stderr, prefix, log.LstdFlags)
}

// openRegistry opens the handle registry in the state directory.
func openRegistry() (*registry.Registry, error) {
	return registry.Open(filepath.Join(stateDir(), "registry.db"))
}

// engineOptions assembles capability selection options shared by all
// commands. A nil prompter keeps selection headless.
func engineOptions(reg *registry.Registry, prompter backend.Prompter, logger *log.Logger) backend.SelectOptions {
	return backend.SelectOptions{
		Registry: reg,
		Prompter: prompter,
		StateDir: stateDir(),
		Logger:   logger,
	}
}

// startEngine opens the registry and initializes an engine against it. The
// returned cleanup closes both.
func startEngine(ctx context.Context, prompter backend.Prompter, notifier notify.Notifier) (*engine.Engine, func(), error) {
	logger := newLogger("[engine] ")

	reg, err := openRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open handle registry: %w", err)
	}

	config := engine.DefaultConfig()
	config.Logger = logger
	config.Notifier = notifier

	eng := engine.New(engineOptions(reg, prompter, logger), config)
	if err := eng.Init(ctx); err != nil {
		reg.Close()
		return nil, nil, fmt.Errorf("failed to initialize engine: %w", err)
	}

	cleanup := func() {
		if err := eng.Close(); err != nil {
			logger.Printf("Error closing engine: %v", err)
		}
		if err := reg.Close(); err != nil {
			logger.Printf("Error closing registry: %v", err)
		}
	}
	return eng, cleanup, nil
}

// registeredHandle returns the registered backing file path, if any.
// Registry errors count as "no handle".
func registeredHandle(ctx context.Context) (string, bool) {
	reg, err := openRegistry()
	if err != nil {
		return "", false
	}
	defer reg.Close()

	handle, ok, err := reg.GetContext(ctx)
	if err != nil || !ok {
		return "", false
	}
	return handle.Path, true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
