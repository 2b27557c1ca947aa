package dispatcher

import (
	"fmt"
	"sort"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// Registry maps each CSP to the deployer plugin serving it. It is built once
// at startup and never mutated afterwards.
type Registry struct {
	plugins map[engine.Csp]engine.DeployerPlugin
}

// NewRegistry builds a registry. A CSP served by two plugins is a
// configuration error.
func NewRegistry(plugins ...engine.DeployerPlugin) (*Registry, error) {
	r := &Registry{plugins: make(map[engine.Csp]engine.DeployerPlugin, len(plugins))}
	for _, p := range plugins {
		if p == nil {
			return nil, fmt.Errorf("deployer plugin is nil")
		}
		csp := p.Csp()
		if csp == "" {
			return nil, fmt.Errorf("deployer plugin declares no csp")
		}
		if _, exists := r.plugins[csp]; exists {
			return nil, fmt.Errorf("duplicate deployer plugin for csp %s", csp)
		}
		r.plugins[csp] = p
	}
	return r, nil
}

// Require returns an error naming every CSP without a plugin.
func (r *Registry) Require(csps ...engine.Csp) error {
	var missing []string
	for _, csp := range csps {
		if _, ok := r.plugins[csp]; !ok {
			missing = append(missing, string(csp))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no deployer plugin registered for: %v", missing)
	}
	return nil
}

// Get returns the plugin for csp.
func (r *Registry) Get(csp engine.Csp) (engine.DeployerPlugin, error) {
	p, ok := r.plugins[csp]
	if !ok {
		return nil, engine.NewValidationError(engine.ErrCodePluginNotFound,
			fmt.Sprintf("no deployer plugin for csp %s", csp))
	}
	return p, nil
}

// Csps lists the registered CSPs in sorted order.
func (r *Registry) Csps() []engine.Csp {
	out := make([]engine.Csp, 0, len(r.plugins))
	for csp := range r.plugins {
		out = append(out, csp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
