package kernel

import (
	"context"
	"encoding/json"
	"net"

	"github.com/opendaemon/opendaemon/pkg/plugin"
	"github.com/opendaemon/opendaemon/pkg/rpc"
)

// rpcServer is the slice of *rpc.Server the kernel needs to bridge plugin
// method registration onto the transport.
type rpcServer interface {
	RegisterMethod(method string, handler rpc.HandlerFunc)
}

// AttachRPCServer wires server as the destination for every plugin's
// pctx.RegisterMethod call. Must be called before Start so install-phase
// registrations land on a real server.
func (k *Kernel) AttachRPCServer(server rpcServer) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rpc = server
}

func (k *Kernel) buildContext(name string) *plugin.Context {
	return &plugin.Context{
		DaemonConfig: k.daemonConfig,
		PluginConfig: k.pluginConfig[name],
		Bus:          k.bus,
		Store:        k.store,
		Log:          k.log.With("plugin", name),
		Tracer:       k.tracer,
		Metrics:      k.metrics,
		RegisterMethod: func(method string, handler plugin.RPCHandlerFunc) {
			k.registerMethod(method, handler)
		},
		Lookup: func(lookupName string) (plugin.Plugin, bool) {
			rec, ok := k.registry.Get(lookupName)
			if !ok {
				return nil, false
			}
			return rec.Plugin, true
		},
		RegisterHook: k.registry.RegisterHook,
		CallHook:     k.registry.CallHook,
	}
}

// registerMethod adapts a plugin.RPCHandlerFunc (transport-agnostic) into
// an rpc.HandlerFunc (conn-aware) by discarding the connection, and
// forwards the registration to the attached RPC server, if any.
func (k *Kernel) registerMethod(method string, handler plugin.RPCHandlerFunc) {
	k.mu.Lock()
	server := k.rpc
	k.mu.Unlock()
	if server == nil {
		k.log.Warn("plugin registered an RPC method with no server attached", "method", method)
		return
	}
	server.RegisterMethod(method, func(ctx context.Context, _ net.Conn, params json.RawMessage) (any, error) {
		return handler(ctx, params)
	})
}
