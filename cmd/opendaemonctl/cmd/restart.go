package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart <name>",
	Short: "Stop and respawn a managed process",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	info, err := c.Restart(ctx, args[0])
	if err != nil {
		out.Error(fmt.Sprintf("restart %s: %v", args[0], err))
		return err
	}

	out.Success(fmt.Sprintf("restarted %s (status: %s)", info.Name, info.Status))
	return nil
}
