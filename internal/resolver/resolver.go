// Package resolver turns a plugin dependency graph into a deterministic,
// cycle-free execution order.
package resolver

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/drover-sh/drover/internal/registry"
	"github.com/drover-sh/drover/pkg/schema"
)

// Resolver computes execution orders against one registry snapshot.
// A resolver never observes registry reloads: it holds the snapshot it was
// created with for its whole lifetime.
type Resolver struct {
	snap *registry.Snapshot
}

// New creates a Resolver over the given snapshot.
func New(snap *registry.Snapshot) *Resolver {
	return &Resolver{snap: snap}
}

// Resolve returns a topologically sorted execution order covering the
// targets and all their required transitive dependencies. Every plugin
// appears after all of its dependencies.
//
// Ordering is deterministic: targets are visited in the given order and
// each plugin's dependencies in declaration order, so repeated calls on an
// unchanged snapshot produce identical results. Optional dependencies are
// ordered before their dependent when present in the snapshot and skipped
// silently when absent.
func (r *Resolver) Resolve(targets ...string) ([]*schema.PluginDescriptor, error) {
	if len(targets) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig, "no resolution targets given")
	}

	w := &walk{
		snap:    r.snap,
		done:    make(map[string]bool),
		onStack: make(map[string]bool),
	}

	for _, name := range targets {
		d, ok := r.snap.Lookup(name)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin %s not registered", name).
				WithPlugin(name)
		}
		if err := w.visit(d); err != nil {
			return nil, err
		}
	}

	return w.order, nil
}

// walk is one depth-first traversal. The recursion stack doubles as the
// cycle path reported on a back-edge.
type walk struct {
	snap    *registry.Snapshot
	done    map[string]bool
	onStack map[string]bool
	stack   []string
	order   []*schema.PluginDescriptor
}

func (w *walk) visit(d *schema.PluginDescriptor) error {
	if w.done[d.Name] {
		return nil
	}
	if w.onStack[d.Name] {
		return w.cycleError(d.Name)
	}

	w.onStack[d.Name] = true
	w.stack = append(w.stack, d.Name)

	for _, dep := range d.Requires {
		resolved, ok := w.snap.Lookup(dep.Name)
		if !ok {
			if dep.Optional {
				continue
			}
			return schema.NewErrorf(schema.ErrCodeNotFound,
				"plugin %s requires %s, which is not registered", d.Name, dep.Name).
				WithPlugin(d.Name).
				WithDetails(map[string]any{"missing": dep.Name})
		}

		if err := checkConstraint(d, dep, resolved); err != nil {
			return err
		}

		if err := w.visit(resolved); err != nil {
			return err
		}
	}

	w.stack = w.stack[:len(w.stack)-1]
	delete(w.onStack, d.Name)
	w.done[d.Name] = true
	w.order = append(w.order, d)
	return nil
}

// cycleError reports the full cycle path, from the first occurrence of the
// repeated node through the back-edge.
func (w *walk) cycleError(name string) error {
	start := 0
	for i, n := range w.stack {
		if n == name {
			start = i
			break
		}
	}
	cycle := append(append([]string{}, w.stack[start:]...), name)
	return schema.NewErrorf(schema.ErrCodeCircularDependency,
		"circular dependency: %s", strings.Join(cycle, " -> ")).
		WithPlugin(name).
		WithDetails(map[string]any{"cycle": cycle})
}

// checkConstraint validates the dependency's semver range against the
// resolved descriptor's version.
func checkConstraint(requirer *schema.PluginDescriptor, dep schema.Dependency, resolved *schema.PluginDescriptor) error {
	if dep.Constraint == "" {
		return nil
	}

	c, err := semver.NewConstraint(dep.Constraint)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"plugin %s declares invalid constraint %q on %s", requirer.Name, dep.Constraint, dep.Name).
			WithPlugin(requirer.Name).WithCause(err)
	}

	v, err := semver.NewVersion(resolved.Version)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig,
			"plugin %s has invalid version %q", resolved.Name, resolved.Version).
			WithPlugin(resolved.Name).WithCause(err)
	}

	if !c.Check(v) {
		return schema.NewErrorf(schema.ErrCodeIncompatibleVersion,
			"plugin %s requires %s %s, registered version is %s",
			requirer.Name, dep.Name, dep.Constraint, resolved.Version).
			WithPlugin(requirer.Name).
			WithDetails(map[string]any{
				"required":   dep.Name,
				"constraint": dep.Constraint,
				"version":    resolved.Version,
			})
	}
	return nil
}
