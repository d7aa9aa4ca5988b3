package configmgr

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/opendaemon/opendaemon/pkg/procmgr"
)

// ToProcessConfig translates one resolved process fragment into the
// process-manager's Config shape, resolving the instances field's dual
// int/"max" encoding and the restart-policy/autoRestart split per spec
// §4.8.
func ToProcessConfig(f ProcessFragment) procmgr.Config {
	cfg := procmgr.Config{
		Name:        f.Name,
		Script:      f.Script,
		Cwd:         f.Cwd,
		Env:         f.Env,
		Args:        f.Args,
		Mode:        procmgr.Mode(f.Mode),
		Instances:   resolveInstances(f.Instances),
		Restart:     resolveRestart(f.AutoRestart),
		MaxRestarts: intOr(f.MaxRestarts, 0),
	}
	if f.RestartDelay != nil {
		cfg.RestartDelay = time.Duration(*f.RestartDelay) * time.Millisecond
	}
	if f.KillTimeout != nil {
		cfg.KillTimeout = time.Duration(*f.KillTimeout) * time.Millisecond
	}
	if f.MinUptime != nil {
		cfg.MinUptime = time.Duration(*f.MinUptime) * time.Millisecond
	}
	return cfg
}

// resolveInstances decodes the instances field, which is either a JSON
// number or the literal string "max" (meaning runtime.NumCPU()).
func resolveInstances(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s == "max" {
		return runtime.NumCPU()
	}
	return 0
}

// resolveRestart maps the autoRestart flag onto a restart policy. A
// config that wants finer-grained control can still use the process
// manager's start RPC directly with an explicit RestartPolicy; the
// declarative config document only ever carries the bool.
func resolveRestart(autoRestart *bool) procmgr.RestartPolicy {
	if autoRestart == nil || *autoRestart {
		return procmgr.RestartAlways
	}
	return procmgr.RestartNever
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

// ToProcessConfigs translates every resolved app entry.
func ToProcessConfigs(cfg Config) []procmgr.Config {
	out := make([]procmgr.Config, len(cfg.Apps))
	for i, app := range cfg.Apps {
		out[i] = ToProcessConfig(app)
	}
	return out
}
