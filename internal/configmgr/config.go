// Package configmgr implements the config-manager plugin: it receives an
// already-decoded daemon configuration, validates and defaults it, and
// exposes it on the event bus and via RPC.
package configmgr

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

const (
	defaultSocketPath      = "./opendaemon.sock"
	defaultPIDFile         = "./opendaemon.pid"
	defaultLogDir          = "./logs"
	defaultShutdownTimeout = 10 * time.Second

	defaultInstances    = 1
	defaultMode         = "fork"
	defaultAutoRestart  = true
	defaultRestartDelay = 1000 // ms
	defaultMaxRestarts  = 10
	defaultKillTimeout  = 5000 // ms
)

// DaemonSettings is the daemon-wide slice of the configuration shape.
type DaemonSettings struct {
	PIDFile         string `json:"pidFile,omitempty"`
	LogDir          string `json:"logDir,omitempty"`
	SocketPath      string `json:"socketPath,omitempty"`
	ShutdownTimeout int    `json:"shutdownTimeout,omitempty"` // ms
}

// ProcessFragment is one process-config entry, or the shared defaults
// fragment it is merged onto. Fields recognized by the core; any
// additional fields in the decoded source document are passed through
// unmodified by the collaborator supplying this value and are of no
// concern here.
type ProcessFragment struct {
	Name         string            `json:"name,omitempty"`
	Script       string            `json:"script,omitempty"`
	Cwd          string            `json:"cwd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Args         []string          `json:"args,omitempty"`
	Instances    json.RawMessage   `json:"instances,omitempty"` // integer or "max"
	Mode         string            `json:"mode,omitempty"`
	AutoRestart  *bool             `json:"autoRestart,omitempty"`
	RestartDelay *int              `json:"restartDelay,omitempty"`
	MaxRestarts  *int              `json:"maxRestarts,omitempty"`
	KillTimeout  *int              `json:"killTimeout,omitempty"`
	MinUptime    *int              `json:"minUptime,omitempty"`
}

// Config is the full decoded configuration document per spec §6.
type Config struct {
	Daemon   DaemonSettings             `json:"daemon"`
	Defaults ProcessFragment            `json:"defaults"`
	Apps     []ProcessFragment          `json:"apps"`
	Plugins  map[string]json.RawMessage `json:"plugins,omitempty"`
}

// Defaults returns the zero-value Config filled in with every
// spec-mandated default.
func Defaults() Config {
	restart := true
	delay := defaultRestartDelay
	maxRestarts := defaultMaxRestarts
	killTimeout := defaultKillTimeout
	return Config{
		Daemon: DaemonSettings{
			PIDFile:         defaultPIDFile,
			LogDir:          defaultLogDir,
			SocketPath:      defaultSocketPath,
			ShutdownTimeout: int(defaultShutdownTimeout / time.Millisecond),
		},
		Defaults: ProcessFragment{
			Instances:    json.RawMessage(strconv.Itoa(defaultInstances)),
			Mode:         defaultMode,
			AutoRestart:  &restart,
			RestartDelay: &delay,
			MaxRestarts:  &maxRestarts,
			KillTimeout:  &killTimeout,
		},
	}
}

// Validate checks the apps list per spec §4.8: each entry must have a
// name and a script.
func Validate(cfg Config) error {
	for i, app := range cfg.Apps {
		if app.Name == "" {
			return errs.Newf(errs.ConfigValidation, "apps[%d]: name is required", i)
		}
		if app.Script == "" {
			return errs.Newf(errs.ConfigValidation, "apps[%d] (%s): script is required", i, app.Name).WithContext("name", app.Name)
		}
	}
	return nil
}

// Resolve applies cfg's daemon-level defaults, then merges Defaults onto
// every app entry (entry fields win), returning the effective apps list.
func Resolve(cfg Config) Config {
	out := cfg
	d := Defaults()

	if out.Daemon.PIDFile == "" {
		out.Daemon.PIDFile = d.Daemon.PIDFile
	}
	if out.Daemon.LogDir == "" {
		out.Daemon.LogDir = d.Daemon.LogDir
	}
	if out.Daemon.SocketPath == "" {
		out.Daemon.SocketPath = d.Daemon.SocketPath
	}
	if out.Daemon.ShutdownTimeout == 0 {
		out.Daemon.ShutdownTimeout = d.Daemon.ShutdownTimeout
	}

	merged := make([]ProcessFragment, len(out.Apps))
	for i, app := range out.Apps {
		merged[i] = mergeFragment(out.Defaults, app)
	}
	out.Apps = merged
	return out
}

// mergeFragment merges entry onto base; entry's non-zero fields win.
func mergeFragment(base, entry ProcessFragment) ProcessFragment {
	merged := base
	merged.Name = entry.Name
	merged.Script = entry.Script
	if entry.Cwd != "" {
		merged.Cwd = entry.Cwd
	}
	if entry.Env != nil {
		merged.Env = entry.Env
	}
	if entry.Args != nil {
		merged.Args = entry.Args
	}
	if entry.Instances != nil {
		merged.Instances = entry.Instances
	}
	if entry.Mode != "" {
		merged.Mode = entry.Mode
	}
	if entry.AutoRestart != nil {
		merged.AutoRestart = entry.AutoRestart
	}
	if entry.RestartDelay != nil {
		merged.RestartDelay = entry.RestartDelay
	}
	if entry.MaxRestarts != nil {
		merged.MaxRestarts = entry.MaxRestarts
	}
	if entry.KillTimeout != nil {
		merged.KillTimeout = entry.KillTimeout
	}
	if entry.MinUptime != nil {
		merged.MinUptime = entry.MinUptime
	}
	return merged
}
