package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version can be set via LDFLAGS during build
var Version = "0.1.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of slipway",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "slipway version %s\n", Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
