package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-arndt/vorschau/internal/sandbox/dockerbox"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pre-pull the sandbox image",
	Long: `Pull the configured Docker image so the first preview boot does not pay
the download. A no-op when the image is already present.`,
	RunE: runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Provider != "docker" {
		return fmt.Errorf("pull only applies to the docker provider (configured: %s)", cfg.Provider)
	}

	dp, err := dockerbox.New(cfg.Docker, logger)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dp.Close()

	if err := dp.Ping(cmd.Context()); err != nil {
		return fmt.Errorf("docker ping failed, is Docker running? %w", err)
	}
	if err := dp.PullImage(cmd.Context()); err != nil {
		return err
	}
	fmt.Printf("image %s ready\n", cfg.Docker.Image)
	return nil
}
