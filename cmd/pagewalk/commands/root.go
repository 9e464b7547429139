package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pagewalk",
		Short:         "Seed a follow graph and walk its listings page by page",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		NewWalkCommand(),
		NewConfigCommand(),
	)

	return rootCmd
}
