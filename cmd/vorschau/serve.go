package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/vorschau/internal/api"
	"github.com/p-arndt/vorschau/internal/boot"
	"github.com/p-arndt/vorschau/internal/deploy"
	"github.com/p-arndt/vorschau/internal/reaper"
	"github.com/p-arndt/vorschau/internal/runner"
	"github.com/p-arndt/vorschau/internal/sandbox"
	"github.com/p-arndt/vorschau/internal/sandbox/dockerbox"
	"github.com/p-arndt/vorschau/internal/sandbox/hostbox"
	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the vorschau daemon",
	Long: `Start the daemon with the REST API, SSE and WebSocket event streams.

Examples:
  vorschau serve
  vorschau serve --config ./vorschau.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.APIKey == "" {
		logger.Warn("no API key configured, running in open access mode")
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		provider sandbox.Provider
		orphans  *dockerbox.Provider
	)
	switch cfg.Provider {
	case "docker":
		dp, err := dockerbox.New(cfg.Docker, logger)
		if err != nil {
			return fmt.Errorf("docker client: %w", err)
		}
		if err := dp.Ping(ctx); err != nil {
			return fmt.Errorf("docker ping failed, is Docker running? %w", err)
		}
		logger.Info("docker connection OK", "image", cfg.Docker.Image)
		provider = dp
		orphans = dp
	case "host":
		hp := hostbox.New(cfg.Docker.PublishPorts, logger)
		if err := hp.Ping(ctx); err != nil {
			return err
		}
		logger.Warn("host provider active, projects run without isolation")
		provider = hp
	}
	defer provider.Close()

	handles := boot.NewManager(
		provider,
		time.Duration(cfg.Workflow.BootTimeoutSeconds)*time.Second,
		cfg.Workflow.BootRetries,
		logger,
	)
	if cfg.PrewarmBoot {
		handles.Prewarm()
	}

	gh := source.NewGitHub(cfg.Source.BaseURL, source.StaticToken(cfg.Source.Token))
	orch := workflow.New(handles, st, gh, runner.New(logger), cfg, logger)

	rpr := reaper.New(st, orch, time.Duration(cfg.ReapInterval)*time.Second, logger)
	if orphans != nil {
		rpr.SetOrphanRemover(orphans)
	}
	go rpr.Run(ctx)

	relay := deploy.New(cfg.Deploy, logger)
	srv := api.NewServer(cfg, orch, st, relay, logger)

	httpServer := &http.Server{
		Addr:        cfg.Listen,
		Handler:     srv.Handler(),
		ReadTimeout: 30 * time.Second,
		// event streams follow a run for its whole execution budget, so no
		// server-side write deadline
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := orch.Teardown(shutdownCtx); err != nil {
			logger.Warn("teardown on shutdown", "error", err)
		}
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.Listen, "provider", cfg.Provider)
	fmt.Fprintf(os.Stderr, "\n  vorschau daemon ready at http://%s\n\n", cfg.Listen)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}
