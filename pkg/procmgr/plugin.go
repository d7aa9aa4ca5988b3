package procmgr

import (
	"context"
	"encoding/json"
	"strings"
	"syscall"
	"time"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/plugin"
)

// Plugin adapts Manager to the daemon's plugin contract, registering the
// list/info/start/stop/restart/delete RPC methods and driving the
// process-manager's own start-phase auto-start of every configured app.
type Plugin struct {
	mgr     *Manager
	configs []Config // declared apps, spawned on OnStart
}

// NewPlugin creates a Plugin that will start every config in configs when
// the daemon reaches its start phase.
func NewPlugin(configs []Config) *Plugin {
	return &Plugin{configs: configs}
}

func (p *Plugin) Metadata() plugin.Metadata {
	return plugin.Metadata{
		Name:     "procmgr",
		Version:  "1.0.0",
		Priority: 50,
	}
}

func (p *Plugin) Install(ctx context.Context, pctx *plugin.Context) error {
	var metrics MetricsCollector
	if pctx.Metrics != nil {
		metrics = NewPrometheusMetricsCollector(pctx.Metrics, "procmgr")
	}
	p.mgr = New(pctx.Bus, pctx.Log.With("plugin", "procmgr"), metrics)

	pctx.RegisterMethod("list", p.handleList)
	pctx.RegisterMethod("info", p.handleInfo)
	pctx.RegisterMethod("start", p.handleStart)
	pctx.RegisterMethod("stop", p.handleStop)
	pctx.RegisterMethod("restart", p.handleRestart)
	pctx.RegisterMethod("delete", p.handleDelete)
	return nil
}

// OnStart spawns every declared app. See SPEC_FULL.md §9 Open Question 1.
func (p *Plugin) OnStart(ctx context.Context) error {
	for _, cfg := range p.configs {
		if _, err := p.mgr.Start(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

// OnStop stops every managed process concurrently, suppressing restart.
func (p *Plugin) OnStop(ctx context.Context) error {
	return p.mgr.Shutdown(ctx)
}

// Manager exposes the underlying Manager to callers that hold the plugin
// directly (e.g. tests, the daemon's own wiring).
func (p *Plugin) Manager() *Manager {
	return p.mgr
}

type startParams struct {
	Name         string            `json:"name"`
	Script       string            `json:"script"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env"`
	Args         []string          `json:"args"`
	Interpreter  string            `json:"interpreter"`
	Mode         string            `json:"mode"`
	Instances    int               `json:"instances"`
	Restart      string            `json:"restart"`
	RestartDelay int               `json:"restartDelay"`
	MaxRestarts  int               `json:"maxRestarts"`
	KillTimeout  int               `json:"killTimeout"`
}

func (p *Plugin) handleStart(ctx context.Context, params []byte) (any, error) {
	var sp startParams
	if err := json.Unmarshal(params, &sp); err != nil {
		return nil, err
	}
	cfg := Config{
		Name:         sp.Name,
		Script:       sp.Script,
		Cwd:          sp.Cwd,
		Env:          sp.Env,
		Args:         sp.Args,
		Interpreter:  sp.Interpreter,
		Mode:         Mode(sp.Mode),
		Instances:    sp.Instances,
		Restart:      RestartPolicy(sp.Restart),
		RestartDelay: time.Duration(sp.RestartDelay) * time.Millisecond,
		MaxRestarts:  sp.MaxRestarts,
		KillTimeout:  time.Duration(sp.KillTimeout) * time.Millisecond,
	}
	return p.mgr.Start(ctx, cfg)
}

type nameParams struct {
	Name    string `json:"name"`
	Signal  string `json:"signal"`
	Timeout int    `json:"timeout"`
}

// namedSignals maps the POSIX names callers may pass in stop(name,
// signal?, timeout?) to their syscall.Signal value. An absent name means
// SIGTERM; handleStop rejects an unrecognized name.
var namedSignals = map[string]syscall.Signal{
	"SIGTERM": syscall.SIGTERM,
	"SIGKILL": syscall.SIGKILL,
	"SIGINT":  syscall.SIGINT,
	"SIGHUP":  syscall.SIGHUP,
	"SIGQUIT": syscall.SIGQUIT,
	"SIGUSR1": syscall.SIGUSR1,
	"SIGUSR2": syscall.SIGUSR2,
}

func (p *Plugin) handleStop(ctx context.Context, params []byte) (any, error) {
	var np nameParams
	if err := json.Unmarshal(params, &np); err != nil {
		return nil, err
	}
	var timeout time.Duration
	if np.Timeout > 0 {
		timeout = time.Duration(np.Timeout) * time.Millisecond
	}
	sig := syscall.SIGTERM
	if np.Signal != "" {
		resolved, ok := namedSignals[strings.ToUpper(np.Signal)]
		if !ok {
			return nil, errs.Newf(errs.ProcessInvalidConfig, "unrecognized signal %q", np.Signal).WithContext("signal", np.Signal)
		}
		sig = resolved
	}
	if err := p.mgr.Stop(ctx, np.Name, sig, timeout); err != nil {
		return nil, err
	}
	return map[string]any{"name": np.Name}, nil
}

func (p *Plugin) handleRestart(ctx context.Context, params []byte) (any, error) {
	var np nameParams
	if err := json.Unmarshal(params, &np); err != nil {
		return nil, err
	}
	return p.mgr.Restart(ctx, np.Name)
}

func (p *Plugin) handleDelete(ctx context.Context, params []byte) (any, error) {
	var np nameParams
	if err := json.Unmarshal(params, &np); err != nil {
		return nil, err
	}
	if err := p.mgr.Delete(ctx, np.Name); err != nil {
		return nil, err
	}
	return map[string]any{"name": np.Name}, nil
}

func (p *Plugin) handleInfo(ctx context.Context, params []byte) (any, error) {
	var np nameParams
	if err := json.Unmarshal(params, &np); err != nil {
		return nil, err
	}
	return p.mgr.Info(np.Name)
}

func (p *Plugin) handleList(ctx context.Context, params []byte) (any, error) {
	return p.mgr.List(), nil
}

var (
	_ plugin.Plugin  = (*Plugin)(nil)
	_ plugin.Starter = (*Plugin)(nil)
	_ plugin.Stopper = (*Plugin)(nil)
)
