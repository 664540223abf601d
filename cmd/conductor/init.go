package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
)

func newInitCmd() *cobra.Command {
	var (
		useDefaults bool
		force       bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config to .conductor/config.json",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, projectPath := config.DefaultPaths()
			if _, err := os.Stat(projectPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", projectPath)
			}

			cfg := config.DefaultConfig()
			if !useDefaults {
				if err := initWizard(cfg); err != nil {
					return err
				}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := config.Save(cfg, projectPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", projectPath)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useDefaults, "defaults", false, "skip the prompts and write the built-in defaults")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// initWizard asks for the settings people actually change; everything else
// keeps its default and stays editable in the saved file.
func initWizard(cfg *config.ConductorConfig) error {
	maxAgents := strconv.Itoa(cfg.MaxConcurrentAgents)
	workspace := cfg.Workspace
	policy := cfg.ConflictPolicy
	auto := cfg.AutoResolveConflicts

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Max concurrent agents").
				Value(&maxAgents).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						return fmt.Errorf("must be a positive number")
					}
					return nil
				}),

			huh.NewInput().
				Title("Workspace directory").
				Value(&workspace),

			huh.NewSelect[string]().
				Title("Conflict policy").
				Options(
					huh.NewOption("First writer wins", "first_writer_wins"),
					huh.NewOption("Reporter wins", "reporter_wins"),
				).
				Value(&policy),

			huh.NewConfirm().
				Title("Auto-resolve conflicts").
				Affirmative("Yes").
				Negative("No").
				Value(&auto),
		),
	)

	if err := form.Run(); err != nil {
		return err
	}

	if n, err := strconv.Atoi(maxAgents); err == nil {
		cfg.MaxConcurrentAgents = n
	}
	cfg.Workspace = workspace
	cfg.ConflictPolicy = policy
	cfg.AutoResolveConflicts = auto
	return nil
}
