package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCommand(open opener) *cobra.Command {
	ctx := newCommandContext(open)

	rootCmd := &cobra.Command{
		Use:           "cardscanctl",
		Short:         "Operate the cardscan pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringP("output", "o", outputAuto,
		fmt.Sprintf("Output format: %s, %s, or %s", outputAuto, outputTable, outputJSON))

	rootCmd.AddCommand(newEnqueueCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newBudgetCommand(ctx))
	rootCmd.AddCommand(newPrototypesCommand(ctx))
	rootCmd.AddCommand(newKeysCommand(ctx))

	return rootCmd
}
