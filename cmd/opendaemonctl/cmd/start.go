package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendaemon/opendaemon/cmd/opendaemonctl/internal/client"
)

var (
	startScript       string
	startCwd          string
	startMode         string
	startInstances    int
	startRestart      string
	startRestartDelay int
	startMaxRestarts  int
	startKillTimeout  int
	startEnv          []string
)

var startCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Start a new managed process",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&startScript, "script", "", "command to run (required)")
	startCmd.Flags().StringVar(&startCwd, "cwd", "", "working directory")
	startCmd.Flags().StringVar(&startMode, "mode", "fork", "spawn mode: fork or cluster")
	startCmd.Flags().IntVar(&startInstances, "instances", 1, "number of instances")
	startCmd.Flags().StringVar(&startRestart, "restart", "always", "restart policy: always, on-failure, unless-stopped, never")
	startCmd.Flags().IntVar(&startRestartDelay, "restart-delay", 1000, "milliseconds to wait before a restart")
	startCmd.Flags().IntVar(&startMaxRestarts, "max-restarts", 10, "restart attempts before giving up")
	startCmd.Flags().IntVar(&startKillTimeout, "kill-timeout", 5000, "milliseconds to wait after SIGTERM before SIGKILL")
	startCmd.Flags().StringArrayVar(&startEnv, "env", nil, "environment variable KEY=VALUE, repeatable")
	_ = startCmd.MarkFlagRequired("script")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	env := make(map[string]string, len(startEnv))
	for _, kv := range startEnv {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid --env value %q, want KEY=VALUE", kv)
		}
		env[k] = v
	}

	c, err := dial()
	if err != nil {
		out.Error(fmt.Sprintf("connect to daemon: %v", err))
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := c.Start(ctx, client.StartParams{
		Name:         args[0],
		Script:       startScript,
		Cwd:          startCwd,
		Env:          env,
		Mode:         startMode,
		Instances:    startInstances,
		Restart:      startRestart,
		RestartDelay: startRestartDelay,
		MaxRestarts:  startMaxRestarts,
		KillTimeout:  startKillTimeout,
	})
	if err != nil {
		out.Error(fmt.Sprintf("start %s: %v", args[0], err))
		return err
	}

	out.Success(fmt.Sprintf("started %s (status: %s)", info.Name, info.Status))
	return nil
}
