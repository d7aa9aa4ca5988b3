// Package kernel implements the daemon's lifecycle: it drives the plugin
// registry through install/start/ready, arms a watchdog over healthy
// plugins, and unwinds everything on stop. It owns the process-wide event
// bus, state store and plugin registry singletons (spec: these are
// created once, by the kernel).
package kernel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/eventbus"
	"github.com/opendaemon/opendaemon/pkg/plugin"
	"github.com/opendaemon/opendaemon/pkg/statemachine"
	"github.com/opendaemon/opendaemon/pkg/store"
)

const (
	defaultWatchdogPeriod   = 30 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultInstallTimeout   = 10 * time.Second
	defaultHealthProbeBound = 5 * time.Second
)

var transitions = []statemachine.Transition{
	{From: "created", Event: "start", To: "starting"},
	{From: "starting", Event: "installed", To: "pluginsInstalled"},
	{From: "pluginsInstalled", Event: "started", To: "pluginsStarted"},
	{From: "pluginsStarted", Event: "ready", To: "ready"},
	{From: "starting", Event: "fail", To: "error"},
	{From: "pluginsInstalled", Event: "fail", To: "error"},
	{From: "pluginsStarted", Event: "fail", To: "error"},
	{From: "ready", Event: "stop", To: "stopping"},
	{From: "stopping", Event: "stopped", To: "stopped"},
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithShutdownTimeout overrides the per-plugin onStop/install bound
// (default 10s).
func WithShutdownTimeout(d time.Duration) Option {
	return func(k *Kernel) { k.shutdownTimeout = d }
}

// WithWatchdogPeriod overrides the health-probe poll period (default 30s).
func WithWatchdogPeriod(d time.Duration) Option {
	return func(k *Kernel) { k.watchdogPeriod = d }
}

// WithTracerProvider embeds the kernel's spans into a host process's own
// provider instead of the built-in stdout default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(k *Kernel) { k.tracer = tp.Tracer("opendaemon/kernel") }
}

// WithLogger overrides the kernel's base logger.
func WithLogger(log *slog.Logger) Option {
	return func(k *Kernel) { k.log = log }
}

// WithMetricsRegistry embeds the kernel's plugin metrics into a host
// process's own Prometheus registry instead of the built-in default.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(k *Kernel) { k.metrics = reg }
}

// Kernel owns the daemon's lifecycle state machine and the plugin
// registry driven by it.
type Kernel struct {
	mu      sync.Mutex
	machine *statemachine.Machine

	registry *plugin.Registry
	bus      *eventbus.Bus
	store    *store.Store
	log      *slog.Logger
	tracer   trace.Tracer
	rpc      rpcServer
	metrics  *prometheus.Registry

	shutdownTimeout time.Duration
	watchdogPeriod  time.Duration

	daemonConfig any
	pluginConfig map[string]any

	startTime time.Time
	pid       int
	firstErr  error

	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}

	shutdownOnce      sync.Once
	shutdownRequested chan struct{}
}

// New creates a Kernel with its own event bus, state store and plugin
// registry. serviceName names the default stdout tracer's resource, used
// only when no WithTracerProvider option is supplied.
func New(serviceName string, pid int, opts ...Option) *Kernel {
	log := slog.Default()
	k := &Kernel{
		machine:           statemachine.New("created", transitions),
		registry:          plugin.NewRegistry(),
		log:               log,
		shutdownTimeout:   defaultShutdownTimeout,
		watchdogPeriod:    defaultWatchdogPeriod,
		pid:               pid,
		pluginConfig:      make(map[string]any),
		shutdownRequested: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.bus = eventbus.New(k.log)
	k.store = store.New()
	if k.metrics == nil {
		k.metrics = prometheus.NewRegistry()
	}
	if k.tracer == nil {
		tp, err := defaultTracerProvider(context.Background(), serviceName)
		if err != nil {
			k.log.Warn("falling back to global tracer provider", "error", err)
			k.tracer = tracerFrom(nil)
		} else {
			k.tracer = tp.Tracer("opendaemon/kernel")
		}
	}
	return k
}

// Registry returns the plugin registry, so callers can Register plugins
// before calling Start.
func (k *Kernel) Registry() *plugin.Registry { return k.registry }

// Bus returns the daemon-wide event bus.
func (k *Kernel) Bus() *eventbus.Bus { return k.bus }

// Store returns the daemon-wide state store.
func (k *Kernel) Store() *store.Store { return k.store }

// MetricsRegistry returns the Prometheus registry shared by every
// plugin's Context.Metrics, for mounting an HTTP exposition handler or
// registering daemon-level collectors alongside plugin-contributed ones.
func (k *Kernel) MetricsRegistry() *prometheus.Registry { return k.metrics }

// State returns the current lifecycle state.
func (k *Kernel) State() string { return k.machine.Current() }

// SetPluginConfig stashes the opaque configuration slice for name, handed
// to that plugin's Context.PluginConfig at install time.
func (k *Kernel) SetPluginConfig(name string, cfg any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.pluginConfig[name] = cfg
}

// Start drives the daemon from created through install, start and ready,
// arming the watchdog and publishing daemon:ready on success. Per-plugin
// install/onStart errors are fatal: the kernel transitions to error and
// the first error is returned; onReady errors are logged and swallowed.
func (k *Kernel) Start(ctx context.Context, daemonConfig any) error {
	if k.State() != "created" {
		return errs.New(errs.DaemonAlreadyRunning, "kernel is not in the created state")
	}
	k.daemonConfig = daemonConfig
	if err := k.machine.Transition(ctx, "start"); err != nil {
		return err
	}

	order, err := k.registry.ResolveLoadOrder()
	if err != nil {
		return k.fail(ctx, err)
	}

	if err := k.runPhase(ctx, "install", order, k.installOne); err != nil {
		return k.fail(ctx, err)
	}
	if err := k.machine.Transition(ctx, "installed"); err != nil {
		return k.fail(ctx, err)
	}

	if err := k.runPhase(ctx, "start", order, k.startOne); err != nil {
		return k.fail(ctx, err)
	}
	if err := k.machine.Transition(ctx, "started"); err != nil {
		return k.fail(ctx, err)
	}

	k.runReadyPhase(ctx, order)
	if err := k.machine.Transition(ctx, "ready"); err != nil {
		return k.fail(ctx, err)
	}

	k.startTime = time.Now()
	k.armWatchdog(order)
	k.bus.Publish("daemon:ready", nil)
	return nil
}

func (k *Kernel) fail(ctx context.Context, err error) error {
	k.mu.Lock()
	if k.firstErr == nil {
		k.firstErr = err
	}
	k.mu.Unlock()
	k.machine.Force("error")
	return err
}

// runPhase wraps each plugin call in a kernel.<phase> span and a bound
// context, per spec §4.5's install-phase budget and SPEC_FULL.md §4.5's
// span expansion.
func (k *Kernel) runPhase(ctx context.Context, phase string, order []*plugin.Record, fn func(context.Context, *plugin.Record) error) error {
	for _, rec := range order {
		pctx, cancel := context.WithTimeout(ctx, k.shutdownTimeout)
		spanCtx, span := k.tracer.Start(pctx, "kernel."+phase, trace.WithAttributes(attribute.String("plugin", rec.Meta.Name)))
		err := fn(spanCtx, rec)
		span.End()
		cancel()
		if err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) installOne(ctx context.Context, rec *plugin.Record) error {
	pctx := k.buildContext(rec.Meta.Name)
	if err := rec.Plugin.Install(ctx, pctx); err != nil {
		wrapped := errs.Newf(errs.PluginInitializationFailed, "plugin %q failed to install: %v", rec.Meta.Name, err).
			WithContext("plugin", rec.Meta.Name).WithCause(err)
		k.registry.SetPhase(rec.Meta.Name, plugin.PhaseInstalling, wrapped)
		return wrapped
	}
	k.registry.SetPhase(rec.Meta.Name, plugin.PhaseInstalled, nil)
	return nil
}

func (k *Kernel) startOne(ctx context.Context, rec *plugin.Record) error {
	k.registry.SetPhase(rec.Meta.Name, plugin.PhaseStarting, nil)
	if starter, ok := rec.Plugin.(plugin.Starter); ok {
		if err := starter.OnStart(ctx); err != nil {
			wrapped := errs.Newf(errs.PluginInitializationFailed, "plugin %q failed to start: %v", rec.Meta.Name, err).
				WithContext("plugin", rec.Meta.Name).WithCause(err)
			k.registry.SetPhase(rec.Meta.Name, plugin.PhaseStarting, wrapped)
			return wrapped
		}
	}
	return nil
}

func (k *Kernel) runReadyPhase(ctx context.Context, order []*plugin.Record) {
	for _, rec := range order {
		readier, ok := rec.Plugin.(plugin.Readier)
		if !ok {
			k.registry.SetPhase(rec.Meta.Name, plugin.PhaseReady, nil)
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, k.shutdownTimeout)
		spanCtx, span := k.tracer.Start(pctx, "kernel.ready", trace.WithAttributes(attribute.String("plugin", rec.Meta.Name)))
		err := readier.OnReady(spanCtx)
		span.End()
		cancel()
		if err != nil {
			k.log.Error("plugin onReady failed", "plugin", rec.Meta.Name, "error", err)
		}
		k.registry.SetPhase(rec.Meta.Name, plugin.PhaseReady, err)
	}
}

// Stop unwinds the daemon: disarms the watchdog, stops every plugin one at
// a time in the reverse of its load order (onStop errors logged and
// non-fatal), then transitions to stopped and publishes daemon:stopped.
// Plugin N-1's OnStop completes before plugin N-2's begins, preserving the
// install order's mirror image. A no-op if already stopped or never
// started.
func (k *Kernel) Stop(ctx context.Context) error {
	state := k.State()
	if state == "stopped" || state == "created" {
		return nil
	}

	k.disarmWatchdog()

	if err := k.machine.Transition(ctx, "stop"); err != nil {
		return err
	}

	order, err := k.registry.ResolveLoadOrder()
	if err != nil {
		order = k.registry.All()
	}
	reversed := make([]*plugin.Record, len(order))
	for i, rec := range order {
		reversed[len(order)-1-i] = rec
	}

	for _, rec := range reversed {
		stopper, ok := rec.Plugin.(plugin.Stopper)
		if !ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, k.shutdownTimeout)
		spanCtx, span := k.tracer.Start(pctx, "kernel.stop", trace.WithAttributes(attribute.String("plugin", rec.Meta.Name)))
		err := stopper.OnStop(spanCtx)
		span.End()
		cancel()
		if err != nil {
			k.log.Error("plugin onStop failed", "plugin", rec.Meta.Name, "error", err)
		}
		k.registry.SetPhase(rec.Meta.Name, plugin.PhaseStopped, err)
		// never propagate: one plugin's error must not affect the others' shutdown.
	}

	if err := k.machine.Transition(ctx, "stopped"); err != nil {
		return err
	}
	k.bus.Publish("daemon:stopped", nil)
	return nil
}

// Status returns the daemon.status RPC shape.
func (k *Kernel) Status() map[string]any {
	uptime := time.Duration(0)
	if !k.startTime.IsZero() {
		uptime = time.Since(k.startTime)
	}
	return map[string]any{
		"status": k.State(),
		"pid":    k.pid,
		"uptime": uptime.Seconds(),
	}
}

// RequestShutdown records a graceful-shutdown request (from the
// daemon.shutdown RPC method or an OS signal) exactly once; callers
// select on ShutdownRequested to learn when to begin unwinding.
func (k *Kernel) RequestShutdown() {
	k.shutdownOnce.Do(func() { close(k.shutdownRequested) })
}

// ShutdownRequested is closed the first time RequestShutdown is called.
func (k *Kernel) ShutdownRequested() <-chan struct{} {
	return k.shutdownRequested
}

// FirstError returns the error, if any, that drove the kernel into the
// error state.
func (k *Kernel) FirstError() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.firstErr
}
