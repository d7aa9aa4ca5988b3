package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Stop and forget a managed process",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.Delete(ctx, args[0]); err != nil {
		out.Error(fmt.Sprintf("delete %s: %v", args[0], err))
		return err
	}

	out.Success(fmt.Sprintf("deleted %s", args[0]))
	return nil
}
