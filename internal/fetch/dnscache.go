package fetch

import (
	"context"
	"net"
	"sync"
	"time"
)

// dnsCache is a short-lived resolution cache in front of the system
// resolver. Bulk downloads hit the same couple of CDN hosts thousands of
// times; caching the lookup keeps that off the resolver without pinning
// stale addresses for long.
type dnsCache struct {
	ttl      time.Duration
	resolver *net.Resolver

	mu      sync.RWMutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	expires time.Time
}

func newDNSCache(ttl time.Duration) *dnsCache {
	return &dnsCache{
		ttl:      ttl,
		resolver: net.DefaultResolver,
		entries:  make(map[string]dnsEntry),
	}
}

func (c *dnsCache) lookup(ctx context.Context, host string) ([]string, error) {
	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expires) {
		return entry.addrs, nil
	}

	addrs, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return addrs, nil
}
