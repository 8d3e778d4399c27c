package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lab2hub/lab2hub/internal/config"
	"github.com/lab2hub/lab2hub/internal/engine"
	"github.com/lab2hub/lab2hub/internal/github"
	"github.com/lab2hub/lab2hub/internal/gitlab"
	"github.com/lab2hub/lab2hub/internal/logging"
	"github.com/lab2hub/lab2hub/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the configured GitLab project to GitHub",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.GitLab.Project == "" {
			return fmt.Errorf("no gitlab project configured; run 'lab2hub projects' to list candidates")
		}

		migrator, err := buildMigrator(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		return migrator.Run(cmd.Context())
	},
}

// loadConfig reads the configuration file and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dryRun {
		cfg.DryRun = true
	}
	if cfg.DryRun {
		logging.Info("dry-run mode, no GitHub writes will happen")
	}
	return cfg, nil
}

// buildMigrator wires the source and destination clients and the optional
// attachment store into a migration engine.
func buildMigrator(ctx context.Context, cfg *config.Config) (*engine.Migrator, error) {
	source, err := gitlab.NewClient(cfg.GitLab)
	if err != nil {
		return nil, err
	}

	dest, err := github.NewClient(cfg.GitHub, cfg.Delay)
	if err != nil {
		return nil, err
	}

	var store engine.AttachmentStore
	if cfg.S3.Enabled() {
		s3Store, err := storage.NewS3Store(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		store = s3Store
	}

	return engine.NewMigrator(cfg, source, dest, store)
}
