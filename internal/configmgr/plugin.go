package configmgr

import (
	"context"
	"sync"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/plugin"
)

// Plugin holds the daemon's current configuration, publishes it on the
// event bus at install time, and exposes it to operators via the get and
// reload RPC methods. The process manager's own auto-start (see
// procmgr.Plugin.OnStart) consumes the Config.Apps this plugin produced
// at daemon construction time; this plugin's job ends at loading,
// validating and serving it.
type Plugin struct {
	path string

	mu  sync.RWMutex
	cfg Config

	bus rpcPublisher
}

// rpcPublisher is the slice of *eventbus.Bus the plugin needs; narrowed
// to ease testing.
type rpcPublisher interface {
	Publish(event string, data any)
}

// NewPlugin creates a config-manager plugin around cfg, the
// already-loaded, resolved configuration (see Load), kept here so
// get/reload can serve and refresh it. Install publishes cfg as given;
// path is read again only by the reload method.
func NewPlugin(path string, cfg Config) *Plugin {
	return &Plugin{path: path, cfg: cfg}
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:     "configmgr",
		Version:  "1.0.0",
		Priority: 10, // loads before procmgr so config is available first
	}
}

func (p *Plugin) Install(ctx context.Context, pctx *plugin.Context) error {
	p.bus = pctx.Bus

	pctx.RegisterMethod("get", p.handleGet)
	pctx.RegisterMethod("reload", p.handleReload)

	pctx.Bus.Publish("config:loaded", p.Current())
	return nil
}

// Current returns a copy of the currently loaded configuration.
func (p *Plugin) Current() Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Plugin) handleGet(ctx context.Context, params []byte) (any, error) {
	return p.Current(), nil
}

func (p *Plugin) handleReload(ctx context.Context, params []byte) (any, error) {
	if p.path == "" {
		return nil, errs.New(errs.ConfigNotFound, "no config path configured for reload")
	}
	cfg, err := Load(p.path)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()

	if p.bus != nil {
		p.bus.Publish("config:loaded", cfg)
	}
	return cfg, nil
}

var _ plugin.Plugin = (*Plugin)(nil)
