// Package tenants loads tenants on demand and caches them briefly; tenant
// rows are read-mostly and every dispatched job needs one.
package tenants

import (
	"context"
	"sync"
	"time"

	"smsbridge/internal/domain"
)

type Store interface {
	GetTenant(ctx context.Context, installID string) (domain.Tenant, bool, error)
}

type Cache struct {
	Store Store
	TTL   time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	tenant  domain.Tenant
	found   bool
	expires time.Time
}

func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{Store: store, TTL: ttl, entries: map[string]entry{}}
}

func (c *Cache) Get(ctx context.Context, installID string) (domain.Tenant, bool, error) {
	now := time.Now()

	c.mu.Lock()
	e, ok := c.entries[installID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		return e.tenant, e.found, nil
	}

	t, found, err := c.Store.GetTenant(ctx, installID)
	if err != nil {
		return domain.Tenant{}, false, err
	}

	c.mu.Lock()
	c.entries[installID] = entry{tenant: t, found: found, expires: now.Add(c.TTL)}
	c.mu.Unlock()
	return t, found, nil
}

// Invalidate drops one install, e.g. after a credential update.
func (c *Cache) Invalidate(installID string) {
	c.mu.Lock()
	delete(c.entries, installID)
	c.mu.Unlock()
}
