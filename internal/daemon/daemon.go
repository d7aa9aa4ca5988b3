// Package daemon wires the kernel, config-manager and process-manager
// plugins and the RPC transport into a runnable process: PID file
// claiming, control-socket listening, and signal-driven graceful
// shutdown, per spec §6.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opendaemon/opendaemon/internal/configmgr"
	"github.com/opendaemon/opendaemon/internal/kernel"
	"github.com/opendaemon/opendaemon/pkg/procmgr"
	"github.com/opendaemon/opendaemon/pkg/rpc"
)

// Daemon is the top-level process: kernel + RPC server + PID file.
type Daemon struct {
	kernel  *kernel.Kernel
	server  *rpc.Server
	cfg     configmgr.Config
	pidPath string
	log     *slog.Logger
}

// New assembles a Daemon from a resolved configuration. configPath is
// passed through to the config-manager plugin so its reload RPC method
// can re-read from disk; pass "" if the configuration has no backing
// file.
func New(cfg configmgr.Config, configPath string, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}

	k := kernel.New("opendaemon", os.Getpid(),
		kernel.WithLogger(log),
		kernel.WithShutdownTimeout(time.Duration(cfg.Daemon.ShutdownTimeout)*time.Millisecond),
	)

	if err := k.Registry().Register(configmgr.NewPlugin(configPath, cfg)); err != nil {
		return nil, fmt.Errorf("register configmgr plugin: %w", err)
	}
	if err := k.Registry().Register(procmgr.NewPlugin(configmgr.ToProcessConfigs(cfg))); err != nil {
		return nil, fmt.Errorf("register procmgr plugin: %w", err)
	}

	l, err := listen(cfg.Daemon.SocketPath)
	if err != nil {
		return nil, err
	}
	requestCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opendaemon",
		Name:      "rpc_requests_total",
		Help:      "Total number of dispatched JSON-RPC requests by method and outcome.",
	}, []string{"method", "outcome"})
	k.MetricsRegistry().MustRegister(requestCounter)
	server := rpc.NewServer(l, rpc.WithLogger(log), rpc.WithRequestCounter(requestCounter))
	k.AttachRPCServer(server)
	k.RegisterCoreMethods(server)

	pidPath := cfg.Daemon.PIDFile
	if pidPath == "" {
		pidPath = DefaultPIDFile
	}

	return &Daemon{kernel: k, server: server, cfg: cfg, pidPath: pidPath, log: log}, nil
}

// Run claims the PID file, starts the kernel and RPC server, and blocks
// until a termination signal, a daemon.shutdown RPC call, or an RPC
// server failure, then unwinds gracefully. SIGTERM, SIGINT and SIGHUP all
// trigger identical graceful-shutdown semantics per spec §6.
func (d *Daemon) Run(ctx context.Context) error {
	if err := claimPIDFile(d.pidPath); err != nil {
		return err
	}

	if err := d.kernel.Start(ctx, d.cfg); err != nil {
		_ = removePIDFile(d.pidPath)
		return fmt.Errorf("kernel start: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		d.log.Info("received signal, shutting down", "signal", sig)
	case <-d.kernel.ShutdownRequested():
		d.log.Info("daemon.shutdown requested, shutting down")
	case err := <-serveErr:
		if err != nil {
			d.log.Error("rpc server exited unexpectedly", "error", err)
		}
	}

	return d.shutdown(ctx)
}

func (d *Daemon) shutdown(ctx context.Context) error {
	_ = d.server.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.kernel.Stop(stopCtx); err != nil {
		d.log.Error("kernel stop failed", "error", err)
	}

	if err := removePIDFile(d.pidPath); err != nil {
		d.log.Error("failed to remove pid file", "error", err)
	}
	return nil
}

// Kernel exposes the underlying kernel, mostly for tests.
func (d *Daemon) Kernel() *kernel.Kernel { return d.kernel }
