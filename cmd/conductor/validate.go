package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/plan"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.json>",
		Short: "Check a plan without running it",
		Long: `Parse the plan, verify names, priorities and dependency references, and
print one valid execution order. Cycles and unknown references fail here
instead of stalling a live run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := plan.Load(args[0])
			if err != nil {
				return err
			}
			order, err := plan.ExecutionOrder(specs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "plan OK: %d tasks\n", len(specs))
			for i, name := range order {
				fmt.Fprintf(out, "%3d. %s\n", i+1, name)
			}
			return nil
		},
	}
}
