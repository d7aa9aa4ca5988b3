// Command opendaemond is the daemon process: it loads a configuration
// document, wires up the kernel and its plugins, and runs until a
// termination signal or a daemon.shutdown RPC call arrives.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"github.com/opendaemon/opendaemon/internal/configmgr"
	"github.com/opendaemon/opendaemon/internal/daemon"
)

var (
	configPath = flag.String("config", "", "path to the configuration file (YAML)")
	socketPath = flag.String("socket", "", "override the control-socket path from the config file")
	pidFile    = flag.String("pidfile", "", "override the pid file path from the config file")
)

func main() {
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := configmgr.Load(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.Daemon.SocketPath = *socketPath
	}
	if *pidFile != "" {
		cfg.Daemon.PIDFile = *pidFile
	}

	d, err := daemon.New(cfg, *configPath, log)
	if err != nil {
		log.Error("failed to assemble daemon", "error", err)
		os.Exit(1)
	}

	if err := d.Run(context.Background()); err != nil {
		log.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}
