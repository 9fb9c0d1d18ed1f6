package registry

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sbtc/oss-medical-record/internal/domain"
)

// resolveCache memoizes current entries. A nil cache is a no-op.
type resolveCache struct {
	entries *cache.Cache
}

func newResolveCache(ttl time.Duration) *resolveCache {
	return &resolveCache{entries: cache.New(ttl, 2*ttl)}
}

func cacheKey(namespace, name string) string {
	return namespace + "/" + name
}

func (c *resolveCache) get(namespace, name string) (domain.RegistryEntry, bool) {
	if c == nil {
		return domain.RegistryEntry{}, false
	}
	v, ok := c.entries.Get(cacheKey(namespace, name))
	if !ok {
		return domain.RegistryEntry{}, false
	}
	entry, ok := v.(domain.RegistryEntry)
	return entry, ok
}

func (c *resolveCache) set(entry domain.RegistryEntry) {
	if c == nil {
		return
	}
	key := cacheKey(entry.Namespace, entry.Name)
	if v, ok := c.entries.Get(key); ok {
		if cached, ok := v.(domain.RegistryEntry); ok && cached.Version > entry.Version {
			return
		}
	}
	c.entries.SetDefault(key, entry)
}
