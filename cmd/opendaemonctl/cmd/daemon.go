package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the daemon's own lifecycle state",
	RunE:  runStatus,
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show process counts by status",
	RunE:  runMetrics,
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Request graceful daemon shutdown",
	RunE:  runShutdown,
}

func init() {
	rootCmd.AddCommand(statusCmd, metricsCmd, shutdownCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := c.Status(ctx)
	if err != nil {
		out.Error(fmt.Sprintf("daemon.status: %v", err))
		return err
	}
	for k, v := range status {
		out.KeyValue(k, v)
	}
	return nil
}

func runMetrics(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	metrics, err := c.Metrics(ctx)
	if err != nil {
		out.Error(fmt.Sprintf("daemon.metrics: %v", err))
		return err
	}
	for k, v := range metrics {
		out.KeyValue(k, v)
	}
	return nil
}

func runShutdown(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.Shutdown(ctx); err != nil {
		out.Error(fmt.Sprintf("daemon.shutdown: %v", err))
		return err
	}

	out.Success("shutdown requested")
	return nil
}
