package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the voxlink version",
	// The banner printed by the root pre-run would be noise here.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "voxlink version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
