package dnsx

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// MXCache is a time-bounded cache of domain to mail-exchange
// records, shared across all sessions. Concurrent misses for the
// same domain may each resolve; the last writer's expiry wins.
// MX data is low churn, so a duplicate lookup beats a dogpile
// lock.
type MXCache struct {
	resolver Resolver

	mu      sync.RWMutex
	entries map[string]mxEntry
}

type mxEntry struct {
	records []MX
	expires time.Time
}

func NewMXCache(resolver Resolver) *MXCache {
	return &MXCache{
		resolver: resolver,
		entries:  make(map[string]mxEntry),
	}
}

// Add stores records for domain until expires. Also used to seed
// static entries.
func (c *MXCache) Add(domain string, records []MX, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[strings.ToLower(domain)] = mxEntry{
		records: records,
		expires: expires,
	}
}

// GetOrResolve returns the cached records for domain when the
// entry is still live, otherwise resolves, stores and returns.
// An expired entry counts as absent.
func (c *MXCache) GetOrResolve(ctx context.Context, domain string) ([]MX, error) {
	domain = strings.ToLower(domain)

	c.mu.RLock()
	entry, ok := c.entries[domain]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expires) {
		return entry.records, nil
	}

	// a seed-only cache has no way to refresh
	if c.resolver == nil {
		return nil, errors.Errorf("no resolver to refresh '%s'", domain)
	}

	records, expires, err := c.resolver.LookupMX(ctx, domain)
	if err != nil {
		return nil, errors.WithMessagef(err, "LookupMX '%s'", domain)
	}

	c.Add(domain, records, expires)

	return records, nil
}
