// Package plugin defines the daemon's plugin contract: a fixed capability
// set (install, optional start/ready/stop/error/health hooks) plus
// metadata used to resolve load order. Optional hooks are expressed as
// optional interfaces the kernel type-asserts for, the idiomatic Go
// analogue of the source's tagged-capability-set design — nothing here
// requires sub-typing across plugin implementations.
package plugin

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendaemon/opendaemon/pkg/eventbus"
	"github.com/opendaemon/opendaemon/pkg/store"
)

// Metadata identifies a plugin and its place in the dependency graph.
type Metadata struct {
	Name         string
	Version      string
	Priority     int // lower loads earlier; ties broken by registration order. Default 100.
	Dependencies []string
	Conflicts    []string
}

// Plugin is the minimal capability every plugin must implement: identity
// plus an Install hook that receives the shared Context.
type Plugin interface {
	Metadata() Metadata
	Install(ctx context.Context, pctx *Context) error
}

// Starter is implemented by plugins with start-phase work.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Readier is implemented by plugins that need to know when every plugin
// has started.
type Readier interface {
	OnReady(ctx context.Context) error
}

// Stopper is implemented by plugins with shutdown work.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// ErrorHandler is implemented by plugins that want to observe kernel- or
// watchdog-detected errors attributed to them.
type ErrorHandler interface {
	OnError(ctx context.Context, err error)
}

// HealthChecker is implemented by plugins the watchdog should poll.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// RPCHandlerFunc is a plugin-registered JSON-RPC method handler. The
// concrete dispatch type lives in pkg/rpc; Context holds a closure instead
// of a direct dependency to avoid an import cycle.
type RPCHandlerFunc func(ctx context.Context, params []byte) (any, error)

// LookupFunc resolves another registered plugin by name.
type LookupFunc func(name string) (Plugin, bool)

// HookFunc is an inter-plugin extension point: one plugin registers a
// named hook, another looks it up by name and calls it directly, without
// routing through the event bus or knowing the implementing plugin's
// concrete type.
type HookFunc func(ctx context.Context, args any) (any, error)

// Context is passed to every plugin hook. It exposes the daemon-wide
// singletons (event bus, state store, metrics registry), a namespaced
// logger, this plugin's own configuration slice, and capabilities to
// register RPC methods, look up sibling plugins, and register/call
// inter-plugin hooks.
type Context struct {
	DaemonConfig any
	PluginConfig any

	Bus     *eventbus.Bus
	Store   *store.Store
	Log     *slog.Logger
	Tracer  trace.Tracer
	Metrics *prometheus.Registry

	RegisterMethod func(method string, handler RPCHandlerFunc)
	Lookup         LookupFunc
	RegisterHook   func(name string, fn HookFunc)
	CallHook       func(ctx context.Context, name string, args any) (any, error)
}
