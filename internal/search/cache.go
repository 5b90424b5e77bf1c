package search

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheKey identifies a cached result set. Limit and threshold are part of
// the key since they change the result.
type cacheKey struct {
	Tenant    string
	Query     string
	Limit     int
	Threshold float32
}

// QueryCache holds result sets for a fixed TTL, bounded in size with LRU
// eviction. Entries are replaced, never modified; callers get copies.
//
// Each tenant has a generation bumped by InvalidateTenant. A result computed
// under an older generation is discarded instead of cached, so a search that
// overlaps a write cannot repopulate the cache with pre-write results.
type QueryCache struct {
	lru *expirable.LRU[cacheKey, []Result]

	mu   sync.Mutex
	gens map[string]uint64
}

// NewQueryCache returns a cache of at most size entries living ttl each.
func NewQueryCache(size int, ttl time.Duration) *QueryCache {
	if size <= 0 {
		size = 1024
	}
	return &QueryCache{
		lru:  expirable.NewLRU[cacheKey, []Result](size, nil, ttl),
		gens: make(map[string]uint64),
	}
}

func (c *QueryCache) get(k cacheKey) ([]Result, bool) {
	res, ok := c.lru.Get(k)
	if !ok {
		return nil, false
	}
	return cloneResults(res), true
}

// generation returns tenant's current generation.
func (c *QueryCache) generation(tenant string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[tenant]
}

// put stores res if tenant is still at gen and reports whether it did.
func (c *QueryCache) put(k cacheKey, gen uint64, res []Result) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[k.Tenant] != gen {
		return false
	}
	c.lru.Add(k, cloneResults(res))
	return true
}

// InvalidateTenant drops every entry for tenant and advances its generation.
func (c *QueryCache) InvalidateTenant(tenant string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[tenant]++
	for _, k := range c.lru.Keys() {
		if k.Tenant == tenant {
			c.lru.Remove(k)
		}
	}
}

// Len returns the number of live entries.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}

func cloneResults(in []Result) []Result {
	out := make([]Result, len(in))
	copy(out, in)
	return out
}
