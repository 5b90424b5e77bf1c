package discovery

import (
	"sort"
	"sync"
	"time"
)

// Tenant is a provisioned tenant.
type Tenant struct {
	Name         string    `json:"name"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Registry is the set of tenants discovery has provisioned. Discovery owns
// writes; the drainer and read paths receive the same handle and only read.
// Tenants are never removed.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]time.Time)}
}

// add records tenant and reports whether it was new.
func (r *Registry) add(tenant string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tenants[tenant]; ok {
		return false
	}
	r.tenants[tenant] = at
	return true
}

// Has reports whether tenant has been provisioned.
func (r *Registry) Has(tenant string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tenants[tenant]
	return ok
}

// Names returns provisioned tenant names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tenants))
	for name := range r.tenants {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// List returns provisioned tenants sorted by name.
func (r *Registry) List() []Tenant {
	r.mu.RLock()
	out := make([]Tenant, 0, len(r.tenants))
	for name, at := range r.tenants {
		out = append(out, Tenant{Name: name, DiscoveredAt: at})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of provisioned tenants.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tenants)
}
