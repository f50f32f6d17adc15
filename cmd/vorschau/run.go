package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/vorschau/internal/boot"
	"github.com/p-arndt/vorschau/internal/runner"
	"github.com/p-arndt/vorschau/internal/sandbox/hostbox"
	"github.com/p-arndt/vorschau/internal/source"
	"github.com/p-arndt/vorschau/internal/store"
	"github.com/p-arndt/vorschau/internal/workflow"
	"github.com/p-arndt/vorschau/protocol"
)

var refFlag string

var runCmd = &cobra.Command{
	Use:   "run <owner/repo>",
	Short: "Preview a repository locally, one shot",
	Long: `Fetch a repository, run its dev server on this machine and stream the
output to the terminal. Uses the host provider, so the project runs without
isolation; prefer the daemon with Docker for untrusted code.

Examples:
  vorschau run octocat/hello-world
  vorschau run octocat/hello-world --ref my-branch`,
	Args: cobra.ExactArgs(1),
	RunE: runOneShot,
}

func init() {
	runCmd.Flags().StringVar(&refFlag, "ref", "", "branch or commit (default branch when empty)")
	rootCmd.AddCommand(runCmd)
}

func runOneShot(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	repo, err := source.ParseRepo(args[0], refFlag)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DBPath, 0)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	provider := hostbox.New(cfg.Docker.PublishPorts, logger)
	if err := provider.Ping(cmd.Context()); err != nil {
		return err
	}

	handles := boot.NewManager(
		provider,
		time.Duration(cfg.Workflow.BootTimeoutSeconds)*time.Second,
		cfg.Workflow.BootRetries,
		logger,
	)

	gh := source.NewGitHub(cfg.Source.BaseURL, source.StaticToken(cfg.Source.Token))
	orch := workflow.New(handles, st, gh, runner.New(logger), cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	readyCh := make(chan string, 1)
	errCh := make(chan string, 1)
	unwatch := orch.Watch(workflow.Notify{
		StatusChange: func(status protocol.Status) {
			if status != protocol.StatusIdle {
				fmt.Fprintf(os.Stderr, "── %s\n", status)
			}
		},
		Output: func(chunk string) {
			fmt.Fprint(os.Stdout, chunk)
		},
		ServerReady: func(url string) {
			select {
			case readyCh <- url:
			default:
			}
		},
		Error: func(message string) {
			select {
			case errCh <- message:
			default:
			}
		},
	})
	defer unwatch()

	if _, err := orch.Launch(ctx, workflow.LaunchSpec{Repo: repo}); err != nil {
		return err
	}

	teardown := func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer tcancel()
		if err := orch.Teardown(tctx); err != nil {
			logger.Warn("teardown", "error", err)
		}
	}

	select {
	case url := <-readyCh:
		fmt.Fprintf(os.Stderr, "\n  preview ready at %s\n  press Ctrl-C to stop\n\n", url)
	case msg := <-errCh:
		teardown()
		return fmt.Errorf("%s", msg)
	case <-ctx.Done():
		teardown()
		return nil
	}

	// the server keeps running until interrupt, the execution timer or a crash
	select {
	case msg := <-errCh:
		teardown()
		return fmt.Errorf("%s", msg)
	case <-ctx.Done():
	}
	fmt.Fprintln(os.Stderr, "\nstopping preview...")
	teardown()
	return nil
}
