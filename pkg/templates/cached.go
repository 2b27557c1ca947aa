package templates

import (
	"context"

	"github.com/openfroyo/orderbroker/pkg/cache"
	"github.com/openfroyo/orderbroker/pkg/engine"
)

// CachedRegistry keeps successful lookups of another registry for a TTL.
// Misses are never cached so newly published templates show up at once.
type CachedRegistry struct {
	next  engine.TemplateRegistry
	cache *cache.Cache[*engine.TemplateMetadata]
}

// NewCachedRegistry wraps next.
func NewCachedRegistry(next engine.TemplateRegistry, cfg cache.Config) *CachedRegistry {
	return &CachedRegistry{
		next:  next,
		cache: cache.New[*engine.TemplateMetadata](cfg),
	}
}

// Validate implements engine.TemplateRegistry.
func (r *CachedRegistry) Validate(ctx context.Context, name, version string, csp engine.Csp, hostingType string) (*engine.TemplateMetadata, error) {
	key := lookupKey(name, version, csp) + "#" + hostingType
	meta, err := r.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*engine.TemplateMetadata, error) {
		return r.next.Validate(ctx, name, version, csp, hostingType)
	})
	if err != nil {
		return nil, err
	}
	cp := *meta
	return &cp, nil
}

// Invalidate drops every cached lookup.
func (r *CachedRegistry) Invalidate() {
	r.cache.Purge()
}
