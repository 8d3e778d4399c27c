package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lab2hub/lab2hub/internal/engine"
)

var worklistPath string

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Migrate multiple projects from a CSV worklist",
	Long: `Batch reads a CSV worklist with rows of the form

    id,source_project,destination_owner/repo

and migrates each project in order, sharing the configuration file's token,
usermap and transfer settings. A failed project is logged and the batch
continues with the next one.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		file, err := os.Open(worklistPath)
		if err != nil {
			return fmt.Errorf("failed to open worklist: %w", err)
		}
		defer file.Close()

		assignments, err := engine.ReadWorklist(file)
		if err != nil {
			return err
		}

		return engine.RunBatch(cmd.Context(), assignments, func(ctx context.Context, assignment engine.ProjectAssignment) error {
			owner, repo, ok := strings.Cut(assignment.DestPath, "/")
			if !ok {
				return fmt.Errorf("invalid destination %q, expected owner/repo", assignment.DestPath)
			}

			rowCfg := *cfg
			rowCfg.GitLab.Project = assignment.SourcePath
			rowCfg.GitHub.Owner = owner
			rowCfg.GitHub.Repo = repo

			migrator, err := buildMigrator(ctx, &rowCfg)
			if err != nil {
				return err
			}
			return migrator.Run(ctx)
		})
	},
}

func init() {
	batchCmd.Flags().StringVarP(&worklistPath, "worklist", "w", "", "path to the CSV worklist")
	batchCmd.MarkFlagRequired("worklist")
}
