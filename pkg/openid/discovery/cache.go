package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/providentiaww/openauth/pkg/openid"
)

const DefaultCacheTTL = 10 * time.Minute

type cacheEntry struct {
	endpoints  []openid.ServiceEndpoint
	expiration time.Time
}

// CachingDiscoverer remembers successful discoveries for a while so that a
// relying party does not refetch an identifier page on every sign-in.
// Failures are never cached.
type CachingDiscoverer struct {
	next openid.Discoverer
	ttl  time.Duration
	now  func() time.Time

	mu    sync.RWMutex
	items map[string]cacheEntry
}

// NewCachingDiscoverer wraps next. A non-positive ttl uses DefaultCacheTTL.
func NewCachingDiscoverer(next openid.Discoverer, ttl time.Duration) *CachingDiscoverer {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingDiscoverer{next: next, ttl: ttl, now: time.Now, items: make(map[string]cacheEntry)}
}

func (c *CachingDiscoverer) Discover(ctx context.Context, identifier string) ([]openid.ServiceEndpoint, error) {
	key, err := openid.NormalizeIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if found, ok := c.get(key); ok {
		return found, nil
	}
	endpoints, err := c.next.Discover(ctx, identifier)
	if err != nil {
		return nil, err
	}
	c.set(key, endpoints)
	return clone(endpoints), nil
}

// Forget drops the cached result for identifier.
func (c *CachingDiscoverer) Forget(identifier string) {
	key, err := openid.NormalizeIdentifier(identifier)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

func (c *CachingDiscoverer) get(key string) ([]openid.ServiceEndpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.items[key]
	if !ok || !c.now().Before(entry.expiration) {
		return nil, false
	}
	return clone(entry.endpoints), true
}

func (c *CachingDiscoverer) set(key string, endpoints []openid.ServiceEndpoint) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, entry := range c.items {
		if !now.Before(entry.expiration) {
			delete(c.items, k)
		}
	}
	c.items[key] = cacheEntry{endpoints: clone(endpoints), expiration: now.Add(c.ttl)}
}

func clone(endpoints []openid.ServiceEndpoint) []openid.ServiceEndpoint {
	out := make([]openid.ServiceEndpoint, len(endpoints))
	copy(out, endpoints)
	return out
}
