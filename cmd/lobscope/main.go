// Command lobscope runs the limit-order-book microstructure analytics
// service: per-session replay/stream pipelines, anomaly detection, and the
// HTTP/WebSocket surface.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Overridden at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "lobscope",
	Short: "Real-time limit order book microstructure analytics",
	PersistentPreRun: func(*cobra.Command, []string) {
		setupLogging(logLevel)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(*cobra.Command, []string) {
		fmt.Printf("lobscope %s (%s)\n", version, commit)
	},
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	// Human output on a terminal, JSON when piped or collected.
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "info"),
		"log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd, simulateCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
