// Package contextpool implements the context registry (§4.2, §9):
// the set of named executor pools, mutated in place across
// configuration reloads so that Runs holding a *model.Context keep a
// valid reference.
package contextpool

import (
	"sort"

	"kiln/pkg/model"
)

// Registry owns the live set of contexts. It is only ever touched
// from the engine's event-loop goroutine.
type Registry struct {
	byName map[string]*model.Context
	order  []string // configuration order; first match wins in canQueue
}

// New returns a Registry seeded with the implicit default context.
func New() *Registry {
	r := &Registry{byName: map[string]*model.Context{}}
	r.ensureDefault()
	return r
}

func (r *Registry) ensureDefault() {
	if _, ok := r.byName[model.DefaultContextName]; ok {
		return
	}
	ctx := model.NewContext(model.DefaultContextName, model.DefaultContextExecutors, nil)
	r.byName[model.DefaultContextName] = ctx
	r.order = append(r.order, model.DefaultContextName)
}

// Get returns the named context, or nil.
func (r *Registry) Get(name string) *model.Context {
	return r.byName[name]
}

// All returns contexts in configuration order.
func (r *Registry) All() []*model.Context {
	out := make([]*model.Context, 0, len(r.order))
	for _, name := range r.order {
		if c := r.byName[name]; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ContextFile describes one parsed cfg/contexts/<name>.conf.
type ContextFile struct {
	Name         string
	NumExecutors int
	JobPatterns  []string
}

// Reconcile applies a freshly-read set of context files. Existing
// contexts are mutated in place (preserving identity for active
// Runs); contexts whose files disappeared are removed, except that
// "default" is never dropped if doing so would leave the registry
// empty — in that case it is reconstructed with the default executor
// count (§4.2).
func (r *Registry) Reconcile(files []ContextFile) {
	seen := make(map[string]bool, len(files))
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	newOrder := make([]string, 0, len(files))
	for _, f := range files {
		seen[f.Name] = true
		newOrder = append(newOrder, f.Name)
		if existing, ok := r.byName[f.Name]; ok {
			existing.Reconfigure(f.NumExecutors, f.JobPatterns)
			continue
		}
		r.byName[f.Name] = model.NewContext(f.Name, f.NumExecutors, f.JobPatterns)
	}

	for name, ctx := range r.byName {
		if seen[name] {
			continue
		}
		// A context with a still-busy run is never destroyed; simply
		// drop it from the live set once idle. Busy contexts that
		// lost their file stay reachable via the Run they're
		// attached to but are removed from iteration/order so no new
		// work is dispatched to them.
		if ctx.BusyExecutors == 0 {
			delete(r.byName, name)
		}
	}

	r.order = newOrder
	if len(r.order) == 0 {
		if ctx, ok := r.byName[model.DefaultContextName]; ok {
			ctx.Reconfigure(model.DefaultContextExecutors, nil)
		} else {
			r.byName[model.DefaultContextName] = model.NewContext(model.DefaultContextName, model.DefaultContextExecutors, nil)
		}
		r.order = []string{model.DefaultContextName}
	}
}
