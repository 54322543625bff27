package mdmrepo

import (
	"context"
	"fmt"
	"sync"

	"github.com/santedb/mdm/internal/model"
)

// MasterLinkCache is the optional ad-hoc cache keyed by
// "mdm.master.<localKey>" that caches the current MasterRecord
// relationship for a LOCAL (§5 "Shared resources"). Every operation
// that deletes or rewrites such a relationship must invalidate the
// corresponding entry before commit.
type MasterLinkCache interface {
	Get(ctx context.Context, localKey model.Key) (model.Key, bool)
	Set(ctx context.Context, localKey, masterKey model.Key)
	Invalidate(ctx context.Context, localKey model.Key)
}

// CacheKey renders the "mdm.master.<localKey>" key for a LOCAL, named
// for parity with the Memo key shape in the collaborator contract.
func CacheKey(localKey model.Key) string {
	return fmt.Sprintf("mdm.master.%s", localKey)
}

// memCache is an in-process MasterLinkCache, suitable for a
// single-instance deployment or for tests. A production deployment
// wires a shared cache (e.g. Redis) behind the same interface.
type memCache struct {
	mu      sync.RWMutex
	entries map[model.Key]model.Key
}

// NewMemCache constructs an in-process MasterLinkCache.
func NewMemCache() MasterLinkCache {
	return &memCache{entries: make(map[model.Key]model.Key)}
}

func (c *memCache) Get(_ context.Context, localKey model.Key) (model.Key, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.entries[localKey]
	return k, ok
}

func (c *memCache) Set(_ context.Context, localKey, masterKey model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[localKey] = masterKey
}

func (c *memCache) Invalidate(_ context.Context, localKey model.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, localKey)
}

var _ MasterLinkCache = (*memCache)(nil)
