package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop <name>",
	Short: "Gracefully stop a managed process",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 0, "milliseconds to wait before SIGKILL (0 uses the process's own kill timeout)")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Stop(ctx, args[0], stopTimeout); err != nil {
		out.Error(fmt.Sprintf("stop %s: %v", args[0], err))
		return err
	}

	out.Success(fmt.Sprintf("stopped %s", args[0]))
	return nil
}
