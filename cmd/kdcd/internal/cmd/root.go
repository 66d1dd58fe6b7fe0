// Package cmd implements the kdcd commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// RootCmd is the base "kdcd" command.
var RootCmd = &cobra.Command{
	Use:   "kdcd",
	Short: "Kerberos authentication service",
	Long: `kdcd answers AS-REQ messages for one realm over UDP and TCP.

Create a configuration with "kdcd init", start serving with "kdcd run" and
check a running KDC with "kdcd probe".`,
	SilenceUsage: true,
}

// Execute runs the command selected on the command line.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
