package cmd

import (
	"github.com/spf13/cobra"
)

var (
	configPath string
	dryRun     bool
)

var rootCmd = &cobra.Command{
	Use:   "lab2hub",
	Short: "lab2hub migrates GitLab projects to GitHub",
	Long: `lab2hub transfers the work tracking data of a GitLab project to a GitHub
repository: milestones, labels, issues, merge requests and releases, with
comments, references and attachments rewritten for the destination. Runs are
idempotent; entities that already exist on GitHub are skipped.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "read and decide but skip every GitHub write")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(projectsCmd)
}
