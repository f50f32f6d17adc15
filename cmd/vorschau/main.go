package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/p-arndt/vorschau/internal/config"
)

var cfgFlag string

var rootCmd = &cobra.Command{
	Use:   "vorschau",
	Short: "vorschau - disposable preview sandboxes for git repositories",
	Long: `Vorschau boots a throwaway sandbox, mounts a repository into it and runs
the project's dev server, streaming install and build output along the way.

Run "vorschau serve" for the daemon with the REST/SSE/WebSocket API, or
"vorschau run owner/repo" for a one-shot local preview.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFlag, "config", "", "path to vorschau.yaml")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return cfg, logger, nil
}
