// Package registry holds the table of discovered plugin descriptors.
//
// Registration is append-mostly: descriptors are registered once at startup
// from the manifest and are immutable thereafter. Controlled reloads replace
// a descriptor atomically; resolution never observes a reload mid-flight
// because it operates on a point-in-time Snapshot.
package registry

import (
	"iter"
	"sync"

	"github.com/drover-sh/drover/pkg/schema"
)

// Registry is the live descriptor table. Safe for concurrent use: many
// readers, single writer on Register/Replace.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]*schema.PluginDescriptor
	order  []string // declaration order, for deterministic resolution
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{byName: make(map[string]*schema.PluginDescriptor)}
}

// Register adds a descriptor. Registering the same name and version again is
// a no-op; a different version under an existing name fails with
// DUPLICATE_NAME. Use Replace for an explicit override.
func (r *Registry) Register(d *schema.PluginDescriptor) error {
	if d == nil || d.Name == "" {
		return schema.NewError(schema.ErrCodeConfig, "plugin descriptor has no name")
	}
	if d.Version == "" {
		return schema.NewErrorf(schema.ErrCodeConfig, "plugin %s has no version", d.Name).WithPlugin(d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byName[d.Name]; ok {
		if existing.Version == d.Version {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeDuplicateName,
			"plugin %s already registered at version %s (got %s)", d.Name, existing.Version, d.Version).
			WithPlugin(d.Name)
	}

	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

// Replace installs a descriptor under an existing or new name. This is the
// controlled-reload path; in-progress resolutions keep their snapshot.
func (r *Registry) Replace(d *schema.PluginDescriptor) error {
	if d == nil || d.Name == "" {
		return schema.NewError(schema.ErrCodeConfig, "plugin descriptor has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	r.byName[d.Name] = d
	return nil
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (*schema.PluginDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "plugin %s not registered", name).WithPlugin(name)
	}
	return d, nil
}

// Find returns a lazy, restartable sequence of descriptors matching the
// predicate, in declaration order. The sequence iterates over a snapshot
// taken when Find is called.
func (r *Registry) Find(match func(*schema.PluginDescriptor) bool) iter.Seq[*schema.PluginDescriptor] {
	snap := r.Snapshot()
	return func(yield func(*schema.PluginDescriptor) bool) {
		for _, d := range snap.Descriptors() {
			if match(d) {
				if !yield(d) {
					return
				}
			}
		}
	}
}

// FindByTag matches descriptors carrying the given tag or category.
func (r *Registry) FindByTag(tag string) iter.Seq[*schema.PluginDescriptor] {
	return r.Find(func(d *schema.PluginDescriptor) bool {
		for _, t := range d.Tags {
			if t == tag {
				return true
			}
		}
		for _, c := range d.Categories {
			if c == tag {
				return true
			}
		}
		return false
	})
}

// Snapshot captures the current descriptor table. The returned view is
// immutable; resolvers hold it for the duration of a resolution so reloads
// cannot be observed mid-flight.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := make(map[string]*schema.PluginDescriptor, len(r.byName))
	for k, v := range r.byName {
		byName[k] = v
	}
	order := make([]string, len(r.order))
	copy(order, r.order)

	return &Snapshot{byName: byName, order: order}
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Snapshot is a point-in-time, read-only view of the registry.
type Snapshot struct {
	byName map[string]*schema.PluginDescriptor
	order  []string
}

// Lookup returns the descriptor registered under name at snapshot time.
func (s *Snapshot) Lookup(name string) (*schema.PluginDescriptor, bool) {
	d, ok := s.byName[name]
	return d, ok
}

// Descriptors returns all descriptors in declaration order.
func (s *Snapshot) Descriptors() []*schema.PluginDescriptor {
	out := make([]*schema.PluginDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}

// DeclarationIndex returns the registration position of name, or -1.
func (s *Snapshot) DeclarationIndex(name string) int {
	for i, n := range s.order {
		if n == name {
			return i
		}
	}
	return -1
}
