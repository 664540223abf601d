package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "conductor",
		Short: "Run dependency-aware task plans across parallel agents",
		Long: `conductor executes plans of shell tasks across a pool of concurrent
agents. Tasks declare the files they touch and the tasks they depend on;
the scheduler dispatches by priority, serializes tasks that share files
through advisory locks, retries failures with exponential backoff, and
records every scheduling event in a run journal.`,
		SilenceUsage: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newValidateCmd())
	root.AddCommand(newInitCmd())
	return root
}
