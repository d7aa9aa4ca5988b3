package kernel

import (
	"context"
	"encoding/json"
	"net"

	"github.com/opendaemon/opendaemon/pkg/procmgr"
)

// RegisterCoreMethods registers the core-mandated daemon.* RPC methods
// directly on server: daemon.status, daemon.shutdown, and the
// SPEC_FULL.md-expansion daemon.metrics passthrough. These are kernel
// concerns, not plugin-contributed, so they bypass the plugin Context
// bridge in context.go.
func (k *Kernel) RegisterCoreMethods(server rpcServer) {
	server.RegisterMethod("daemon.status", func(ctx context.Context, _ net.Conn, _ json.RawMessage) (any, error) {
		return k.Status(), nil
	})
	server.RegisterMethod("daemon.shutdown", func(ctx context.Context, _ net.Conn, _ json.RawMessage) (any, error) {
		k.RequestShutdown()
		return nil, nil
	})
	server.RegisterMethod("daemon.metrics", func(ctx context.Context, _ net.Conn, _ json.RawMessage) (any, error) {
		return k.metricsSnapshot(), nil
	})
}

// metricsSnapshot builds the daemon.metrics response: process counts by
// status, sourced from the procmgr plugin if registered. Returns an empty
// count map if no process-manager plugin is installed. Spec §6's
// Non-goals exclude a persisted metrics/logging backend; this is a thin
// read of state the process manager already tracks for Prometheus.
func (k *Kernel) metricsSnapshot() map[string]any {
	rec, ok := k.registry.Get("procmgr")
	if !ok {
		return map[string]any{"byStatus": map[string]int{}}
	}
	pp, ok := rec.Plugin.(*procmgr.Plugin)
	if !ok || pp.Manager() == nil {
		return map[string]any{"byStatus": map[string]int{}}
	}

	counts := make(map[string]int)
	for _, p := range pp.Manager().List() {
		counts[string(p.Status)]++
	}
	return map[string]any{"byStatus": counts}
}
