package protocolstore

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"

	"github.com/gwillem/signal-keystore/internal/libsignal"
	"github.com/gwillem/signal-keystore/internal/store"
)

// DefaultIdentityCacheSize is the number of address names kept in memory.
const DefaultIdentityCacheSize = 200

// IdentityCache is a write-through LRU cache over the identity table.
//
// Lock order: mutators take the storage transaction lock (via
// store.InTransaction) before the cache lock. Get takes only the cache lock
// and reads storage outside any transaction. Entries written inside a
// transaction that later rolls back are dropped.
type IdentityCache struct {
	st  *store.Store
	mu  sync.Mutex
	lru *lru.Cache[string, *store.IdentityRecord]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheStats is a snapshot of cache counters. Evictions counts every entry
// that left the cache, including invalidations.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Len       int
}

// NewIdentityCache creates a cache holding up to size address names.
// onEvict, if non-nil, is called with the address of every entry that
// leaves the cache. It runs with the cache lock held and must not call back
// into the cache.
func NewIdentityCache(st *store.Store, size int, onEvict func(address string)) (*IdentityCache, error) {
	if size <= 0 {
		size = DefaultIdentityCacheSize
	}
	c := &IdentityCache{st: st}
	l, err := lru.NewWithEvict(size, func(address string, _ *store.IdentityRecord) {
		c.evictions.Inc()
		if onEvict != nil {
			onEvict(address)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("identity cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// Get returns the record for address, or nil if none exists. Absent
// records are cached too, so repeated lookups of unknown names stay in
// memory.
func (c *IdentityCache) Get(ctx context.Context, address string) (*store.IdentityRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.lru.Get(address); ok {
		c.hits.Inc()
		return cloneRecord(rec), nil
	}
	c.misses.Inc()
	rec, err := c.st.GetIdentity(ctx, address)
	if err != nil {
		return nil, err
	}
	c.lru.Add(address, rec)
	return cloneRecord(rec), nil
}

// Save writes rec to storage and the cache.
func (c *IdentityCache) Save(ctx context.Context, rec *store.IdentityRecord) error {
	return c.st.InTransaction(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.st.SaveIdentity(ctx, rec); err != nil {
			return err
		}
		c.lru.Add(rec.Address, cloneRecord(rec))
		c.st.OnRollback(ctx, func() { c.Invalidate(rec.Address) })
		return nil
	})
}

// SetApproval updates the non-blocking approval flag.
func (c *IdentityCache) SetApproval(ctx context.Context, address string, approved bool) error {
	return c.update(ctx, address, func(ctx context.Context) error {
		return c.st.SetIdentityApproval(ctx, address, approved)
	})
}

// SetVerified updates the verified status if the stored key is still key.
// It reports whether the status was applied.
func (c *IdentityCache) SetVerified(ctx context.Context, address string, key *libsignal.PublicKey, status store.VerifiedStatus) (bool, error) {
	var applied bool
	err := c.update(ctx, address, func(ctx context.Context) error {
		var err error
		applied, err = c.st.SetIdentityVerified(ctx, address, key, status)
		return err
	})
	return applied, err
}

// Delete removes the record from storage and caches it as absent.
func (c *IdentityCache) Delete(ctx context.Context, address string) error {
	return c.update(ctx, address, func(ctx context.Context) error {
		return c.st.DeleteIdentity(ctx, address)
	})
}

// update runs write in a transaction, then refreshes the cached entry from
// storage while still inside it.
func (c *IdentityCache) update(ctx context.Context, address string, write func(ctx context.Context) error) error {
	return c.st.InTransaction(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := write(ctx); err != nil {
			return err
		}
		rec, err := c.st.GetIdentity(ctx, address)
		if err != nil {
			return err
		}
		c.lru.Add(address, rec)
		c.st.OnRollback(ctx, func() { c.Invalidate(address) })
		return nil
	})
}

// Invalidate evicts address so the next Get reloads it from storage.
func (c *IdentityCache) Invalidate(address string) {
	c.mu.Lock()
	c.lru.Remove(address)
	c.mu.Unlock()
}

// Stats returns the current cache counters.
func (c *IdentityCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.lru.Len(),
	}
}

func cloneRecord(rec *store.IdentityRecord) *store.IdentityRecord {
	if rec == nil {
		return nil
	}
	c := *rec
	return &c
}
