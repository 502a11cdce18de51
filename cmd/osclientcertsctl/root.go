// Command osclientcertsctl inspects the objects this module would hand a
// Cryptoki caller, without going through the C ABI. It talks to
// internal/manager directly, which makes it useful for diagnosing what a
// browser or VPN client backed by the real module would see.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	logger  *slog.Logger
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "osclientcertsctl",
	Short: "Inspect OS-backed client certificates and test signing",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogger()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output logs and command results in JSON format")
}

func setupLogger() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if jsonOut {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func getLogger() *slog.Logger {
	if logger == nil {
		setupLogger()
	}
	return logger
}

func exitWithError(msg string, err error) {
	getLogger().Error(msg, "error", err)
	os.Exit(1)
}
