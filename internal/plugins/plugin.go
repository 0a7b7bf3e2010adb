// Package plugins defines the automation plugin contract and the built-in
// plugin set. Plugins are compiled in and registered from a static manifest;
// there is no runtime loading.
package plugins

import (
	"context"
	"encoding/json"

	"github.com/drover-sh/drover/internal/registry"
	"github.com/drover-sh/drover/internal/session"
	"github.com/drover-sh/drover/pkg/schema"
)

// Plugin is one unit of account automation. Run receives an exclusively held
// session handle and the step's resolved input.
type Plugin interface {
	Descriptor() *schema.PluginDescriptor
	Run(ctx context.Context, sess *session.Handle, input json.RawMessage) (map[string]any, error)
}

// Factory constructs a plugin instance.
type Factory func() Plugin

// manifest is the static registration table. Order within the table carries
// no meaning; execution order comes from dependency resolution.
var manifest = map[string]Factory{
	"login":          func() Plugin { return &LoginPlugin{} },
	"session_check":  func() Plugin { return &SessionCheckPlugin{} },
	"feed_scroller":  func() Plugin { return &FeedScrollerPlugin{} },
	"post_publisher": func() Plugin { return &PostPublisherPlugin{} },
	"group_poster":   func() Plugin { return &GroupPosterPlugin{} },
}

// Catalog holds the instantiated plugins and their descriptor registry.
// Callers resolve order against the registry and fetch the Plugin behind a
// descriptor through Get.
type Catalog struct {
	registry *registry.Registry
	byName   map[string]Plugin
}

// NewCatalog instantiates every manifest entry and registers its descriptor.
func NewCatalog() (*Catalog, error) {
	c := &Catalog{
		registry: registry.New(),
		byName:   make(map[string]Plugin, len(manifest)),
	}
	for name, factory := range manifest {
		p := factory()
		desc := p.Descriptor()
		if desc.Name != name {
			return nil, schema.NewErrorf(schema.ErrCodeConfig,
				"manifest entry %q does not match descriptor name %q", name, desc.Name)
		}
		if err := c.registry.Register(desc); err != nil {
			return nil, err
		}
		c.byName[name] = p
	}
	return c, nil
}

// Registry exposes the descriptor registry for dependency resolution and
// discovery queries.
func (c *Catalog) Registry() *registry.Registry { return c.registry }

// Get returns the plugin registered under name.
func (c *Catalog) Get(name string) (Plugin, error) {
	p, ok := c.byName[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"plugin %q is not registered", name).WithPlugin(name)
	}
	return p, nil
}

// Names returns the registered plugin names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	return names
}
