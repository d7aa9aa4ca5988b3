package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

// Phase is a plugin's position in the install/start/stop lifecycle.
type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseStarting   Phase = "starting"
	PhaseReady      Phase = "ready"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
)

const defaultPriority = 100

// Record is a registered plugin plus its runtime lifecycle phase.
type Record struct {
	Plugin    Plugin
	Meta      Metadata
	Phase     Phase
	LastError error
}

// Registry holds registered plugins and resolves their load order from the
// dependency DAG declared in each plugin's Metadata.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Record
	order  []string // registration order, used as the final tie-breaker

	hooksMu sync.RWMutex
	hooks   map[string]HookFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Record), hooks: make(map[string]HookFunc)}
}

// RegisterHook makes fn callable by name via CallHook. A later call with
// the same name replaces the earlier one, matching RegisterMethod's
// last-registration-wins behavior on the RPC side.
func (r *Registry) RegisterHook(name string, fn HookFunc) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks[name] = fn
}

// CallHook invokes the hook registered under name, if any.
func (r *Registry) CallHook(ctx context.Context, name string, args any) (any, error) {
	r.hooksMu.RLock()
	fn, ok := r.hooks[name]
	r.hooksMu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.PluginNotFound, "no hook registered under %q", name)
	}
	return fn(ctx, args)
}

// Register validates and adds plugin to the registry. It rejects an empty
// name or version, a duplicate name, and any registration whose conflicts
// list intersects an already-registered plugin's name (in either
// direction).
func (r *Registry) Register(p Plugin) error {
	meta := p.Metadata()
	if meta.Name == "" {
		return errs.New(errs.PluginInvalid, "plugin name must not be empty")
	}
	if meta.Version == "" {
		return errs.New(errs.PluginInvalid, "plugin version must not be empty").WithContext("plugin", meta.Name)
	}
	if meta.Priority == 0 {
		meta.Priority = defaultPriority
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[meta.Name]; exists {
		return errs.Newf(errs.PluginAlreadyRegistered, "plugin %q is already registered", meta.Name)
	}

	for _, other := range r.byName {
		if containsString(meta.Conflicts, other.Meta.Name) || containsString(other.Meta.Conflicts, meta.Name) {
			return errs.Newf(errs.PluginConflict, "plugin %q conflicts with registered plugin %q", meta.Name, other.Meta.Name).
				WithContext("plugin", meta.Name).WithContext("conflicts_with", other.Meta.Name)
		}
	}

	r.byName[meta.Name] = &Record{Plugin: p, Meta: meta, Phase: PhaseInstalling}
	r.order = append(r.order, meta.Name)
	return nil
}

// Unregister removes name from the registry. It fails if any registered
// plugin still declares name as a dependency.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; !exists {
		return errs.Newf(errs.PluginNotFound, "plugin %q is not registered", name)
	}

	for _, rec := range r.byName {
		if rec.Meta.Name == name {
			continue
		}
		if containsString(rec.Meta.Dependencies, name) {
			return errs.Newf(errs.PluginMissingDependency, "cannot unregister %q: %q depends on it", name, rec.Meta.Name).
				WithContext("plugin", name).WithContext("dependent", rec.Meta.Name)
		}
	}

	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Get returns the record for name.
func (r *Registry) Get(name string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byName[name]
	return rec, ok
}

// SetPhase updates a plugin's lifecycle phase and last error.
func (r *Registry) SetPhase(name string, phase Phase, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.byName[name]; ok {
		rec.Phase = phase
		rec.LastError = err
	}
}

// All returns every registered record in registration order.
func (r *Registry) All() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

// ResolveLoadOrder computes a deterministic install order: a topological
// sort by DFS (dependencies before dependents, registration order
// otherwise), then a stable sort of the whole list by ascending priority.
// Dependency order is therefore kept only among plugins of equal
// priority; a plugin with a lower priority value than one of its
// dependencies is placed before that dependency. It fails with PluginMissingDependency if a declared
// dependency is not registered, and PluginCircularDependency if the
// dependency graph has a cycle. On failure, registry state is unchanged.
func (r *Registry) ResolveLoadOrder() ([]*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(r.order))
	var topo []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		rec := r.byName[name]
		for _, dep := range rec.Meta.Dependencies {
			if _, ok := r.byName[dep]; !ok {
				return errs.Newf(errs.PluginMissingDependency, "plugin %q depends on unregistered plugin %q", name, dep).
					WithContext("plugin", name).WithContext("dependency", dep)
			}
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return errs.Newf(errs.PluginCircularDependency, "circular dependency detected involving plugin %q", name).
					WithContext("plugin", name).WithContext("dependency", dep)
			}
		}
		color[name] = black
		topo = append(topo, name)
		return nil
	}

	for _, name := range r.order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return nil, err
			}
		}
	}

	// Stable sort by ascending priority; ties preserve the topological
	// (and, transitively, registration) order already in topo.
	sort.SliceStable(topo, func(i, j int) bool {
		return r.byName[topo[i]].Meta.Priority < r.byName[topo[j]].Meta.Priority
	})

	out := make([]*Record, 0, len(topo))
	for _, n := range topo {
		out = append(out, r.byName[n])
	}
	return out, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
