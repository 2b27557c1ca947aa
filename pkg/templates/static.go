package templates

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/orderbroker/pkg/engine"
)

// CatalogEntry is one template in a static catalog.
type CatalogEntry struct {
	ID           string     `yaml:"id" json:"id"`
	Name         string     `yaml:"name" json:"name" validate:"required"`
	Version      string     `yaml:"version" json:"version" validate:"required"`
	Csp          engine.Csp `yaml:"csp" json:"csp" validate:"required"`
	Category     string     `yaml:"category" json:"category,omitempty"`
	HostingType  string     `yaml:"hostingType" json:"hostingType,omitempty"`
	Unavailable  bool       `yaml:"unavailable" json:"unavailable,omitempty"`
	BillingModes []string   `yaml:"billingModes" json:"billingModes,omitempty"`
	Eula         string     `yaml:"eula" json:"eula,omitempty"`
}

// Metadata converts the entry to registry metadata.
func (e CatalogEntry) Metadata() *engine.TemplateMetadata {
	id := e.ID
	if id == "" {
		id = fmt.Sprintf("%s-%s-%s", e.Csp, e.Name, e.Version)
	}
	return &engine.TemplateMetadata{
		ID:           id,
		Name:         e.Name,
		Version:      e.Version,
		Csp:          e.Csp,
		Category:     e.Category,
		HostingType:  e.HostingType,
		Available:    !e.Unavailable,
		BillingModes: append([]string(nil), e.BillingModes...),
		Eula:         e.Eula,
	}
}

// catalogFile is the YAML layout of a catalog file.
type catalogFile struct {
	Templates []CatalogEntry `yaml:"templates"`
}

// StaticRegistry is an in-memory catalog.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string][]*engine.TemplateMetadata
}

// NewStaticRegistry creates a registry holding entries.
func NewStaticRegistry(entries ...CatalogEntry) *StaticRegistry {
	r := &StaticRegistry{entries: make(map[string][]*engine.TemplateMetadata)}
	for _, e := range entries {
		r.Add(e)
	}
	return r
}

// LoadStaticFile reads a YAML catalog file.
func LoadStaticFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse template catalog %s: %w", path, err)
	}
	for i, e := range file.Templates {
		if e.Name == "" || e.Version == "" || e.Csp == "" {
			return nil, fmt.Errorf("template %d in %s: name, version and csp are required", i, path)
		}
	}
	return NewStaticRegistry(file.Templates...), nil
}

// Add inserts or replaces a catalog entry.
func (r *StaticRegistry) Add(e CatalogEntry) {
	meta := e.Metadata()
	key := lookupKey(e.Name, e.Version, e.Csp)

	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.entries[key]
	for i, existing := range list {
		if existing.HostingType == meta.HostingType {
			list[i] = meta
			return
		}
	}
	r.entries[key] = append(list, meta)
}

// Validate implements engine.TemplateRegistry.
func (r *StaticRegistry) Validate(_ context.Context, name, version string, csp engine.Csp, hostingType string) (*engine.TemplateMetadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var match *engine.TemplateMetadata
	for _, meta := range r.entries[lookupKey(name, version, csp)] {
		if !hostingMatches(meta.HostingType, hostingType) {
			continue
		}
		if match == nil || meta.HostingType == hostingType {
			match = meta
		}
	}
	if match == nil {
		return nil, engine.NewNotFoundError("template", name+"@"+version)
	}
	cp := *match
	cp.BillingModes = append([]string(nil), match.BillingModes...)
	return &cp, nil
}

func lookupKey(name, version string, csp engine.Csp) string {
	return string(csp) + "/" + name + "@" + version
}

func hostingMatches(declared, requested string) bool {
	return requested == "" || declared == "" || declared == requested
}
