package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show detailed status for one managed process",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := c.Info(ctx, args[0])
	if err != nil {
		out.Error(fmt.Sprintf("info %s: %v", args[0], err))
		return err
	}

	out.Header(info.Name)
	out.KeyValue("Status", info.Status)
	out.KeyValue("Mode", info.Mode)
	out.KeyValue("Running instances", info.RunningInstances)
	if info.PID != 0 {
		out.KeyValue("PID", info.PID)
	}
	out.KeyValue("Restart count", info.RestartCount)
	if !info.StartTime.IsZero() {
		out.KeyValue("Started", info.StartTime.Format(time.RFC3339))
	}
	if info.LastError != "" {
		out.KeyValue("Last error", info.LastError)
	}
	return nil
}
