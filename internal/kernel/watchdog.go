package kernel

import (
	"context"
	"time"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/plugin"
)

// armWatchdog starts a ticker goroutine that polls every plugin in phase
// ready exposing a health probe, every watchdogPeriod. A probe failure
// publishes plugin:unhealthy{name} and invokes the plugin's optional
// error hook; probe panics are recovered and logged, never propagated.
func (k *Kernel) armWatchdog(order []*plugin.Record) {
	ctx, cancel := context.WithCancel(context.Background())
	k.watchdogCancel = cancel
	k.watchdogDone = make(chan struct{})

	go func() {
		defer close(k.watchdogDone)
		ticker := time.NewTicker(k.watchdogPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				k.probeAll(ctx, order)
			}
		}
	}()
}

func (k *Kernel) disarmWatchdog() {
	if k.watchdogCancel == nil {
		return
	}
	k.watchdogCancel()
	<-k.watchdogDone
	k.watchdogCancel = nil
}

func (k *Kernel) probeAll(ctx context.Context, order []*plugin.Record) {
	for _, rec := range order {
		checker, ok := rec.Plugin.(plugin.HealthChecker)
		if !ok {
			continue
		}
		if cur, ok := k.registry.Get(rec.Meta.Name); !ok || cur.Phase != plugin.PhaseReady {
			continue
		}
		k.probeOne(ctx, rec, checker)
	}
}

func (k *Kernel) probeOne(ctx context.Context, rec *plugin.Record, checker plugin.HealthChecker) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("health probe panicked", "plugin", rec.Meta.Name, "panic", r)
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, defaultHealthProbeBound)
	defer cancel()

	healthy, err := checker.HealthCheck(probeCtx)
	if err == nil && healthy {
		return
	}

	if err == nil {
		err = errs.Newf(errs.HealthCheckFailed, "plugin %q reported unhealthy", rec.Meta.Name).
			WithContext("plugin", rec.Meta.Name)
	}
	k.log.Warn("plugin health check failed", "plugin", rec.Meta.Name, "error", err)
	k.bus.Publish("plugin:unhealthy", map[string]any{"name": rec.Meta.Name})

	if handler, ok := rec.Plugin.(plugin.ErrorHandler); ok {
		handler.OnError(ctx, err)
	}
}
