package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lab2hub/lab2hub/internal/gitlab"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List GitLab projects visible to the configured token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// The project setting is deliberately ignored here; listing works
		// before any project has been picked.
		source, err := gitlab.NewClient(cfg.GitLab)
		if err != nil {
			return err
		}

		projects, err := source.ListProjects(cmd.Context())
		if err != nil {
			return err
		}

		for _, project := range projects {
			fmt.Printf("%8d  %-50s  %s\n", project.ID, project.Path, project.WebURL)
		}
		fmt.Printf("%d projects\n", len(projects))
		return nil
	},
}
