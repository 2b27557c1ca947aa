package broker

import (
	"fmt"

	"github.com/openfroyo/orderbroker/pkg/cache"
	"github.com/openfroyo/orderbroker/pkg/config"
	"github.com/openfroyo/orderbroker/pkg/engine"
	"github.com/openfroyo/orderbroker/pkg/templates"
)

// openTemplates builds the configured template registry. Postgres lookups
// are fronted by a TTL cache; the static catalog is already in memory.
func (b *Broker) openTemplates() (engine.TemplateRegistry, error) {
	tc := b.cfg.Templates

	switch tc.Source {
	case config.TemplateSourcePostgres:
		reg, err := templates.OpenGorm(tc.Postgres)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, reg.Close)

		cc := cache.DefaultConfig()
		if tc.CacheTTL > 0 {
			cc.TTL = tc.CacheTTL
		}
		if tc.CacheSize > 0 {
			cc.MaxEntries = tc.CacheSize
		}
		return templates.NewCachedRegistry(reg, cc), nil

	case config.TemplateSourceStatic, "":
		reg := templates.NewStaticRegistry()
		if tc.CatalogFile != "" {
			loaded, err := templates.LoadStaticFile(tc.CatalogFile)
			if err != nil {
				return nil, err
			}
			reg = loaded
		}
		for _, e := range tc.Static {
			reg.Add(e)
		}
		return reg, nil

	default:
		return nil, fmt.Errorf("unknown template source %q", tc.Source)
	}
}
