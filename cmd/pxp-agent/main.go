// Command pxp-agent runs the remote-execution agent: it connects to a
// PCP broker over WebSocket, loads the built-in and external action
// modules, and dispatches inbound blocking and non-blocking requests
// until told to stop.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pxp-agent",
		Short: "pxp-agent - PCP remote execution agent",
		Long:  "pxp-agent connects to a PXP broker and executes the blocking and non-blocking requests it receives",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		daemonCmd(),
		modulesCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var version = "dev"

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the pxp-agent version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
