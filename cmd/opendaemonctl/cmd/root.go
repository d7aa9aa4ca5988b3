// Package cmd provides the CLI commands for opendaemonctl.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/opendaemon/opendaemon/cmd/opendaemonctl/internal/client"
	"github.com/opendaemon/opendaemon/cmd/opendaemonctl/internal/ui"
)

var (
	socketPath string
	out        *ui.UI
)

var rootCmd = &cobra.Command{
	Use:   "opendaemonctl",
	Short: "Control the opendaemon process manager",
	Long: `opendaemonctl is the command-line client for opendaemon, a plugin-hosted
process supervisor. It talks to a running daemon over its control socket to
list, start, stop, restart and delete managed processes.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		out = ui.New()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = "0.1.0"
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "./opendaemon.sock", "daemon control socket (unix path or host:port)")
}

func dial() (*client.Client, error) {
	return client.Dial(socketPath)
}
