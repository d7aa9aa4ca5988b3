package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every managed process",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	procs, err := c.List(ctx)
	if err != nil {
		out.Error(fmt.Sprintf("list processes: %v", err))
		return err
	}

	if len(procs) == 0 {
		out.Warning("no managed processes")
		return nil
	}

	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, []string{
			p.Name,
			string(p.Status),
			string(p.Mode),
			fmt.Sprintf("%d", p.RunningInstances),
			fmt.Sprintf("%d", p.PID),
			fmt.Sprintf("%d", p.RestartCount),
		})
	}
	out.Table([]string{"NAME", "STATUS", "MODE", "RUNNING", "PID", "RESTARTS"}, rows)
	return nil
}
