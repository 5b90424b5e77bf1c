package services

import (
	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/discovery"
	"github.com/fyrsmithlabs/thoughtd/internal/drainer"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/store"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

// Registry provides access to all thoughtd services.
type Registry interface {
	Store() *store.SQLiteStore
	Gate() *dedup.Gate
	Generator() *embeddings.Generator
	VectorStore() vectorstore.Store
	Search() *search.Service
	Drainer() *drainer.Drainer
	Discoverer() *discovery.Discoverer
	Tenants() *discovery.Registry
}

// Options configures the registry with service instances.
type Options struct {
	Store       *store.SQLiteStore
	Gate        *dedup.Gate
	Generator   *embeddings.Generator
	VectorStore vectorstore.Store
	Search      *search.Service
	Drainer     *drainer.Drainer
	Discoverer  *discovery.Discoverer
	Tenants     *discovery.Registry
}

type registry struct {
	opts Options
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{opts: opts}
}

func (r *registry) Store() *store.SQLiteStore         { return r.opts.Store }
func (r *registry) Gate() *dedup.Gate                 { return r.opts.Gate }
func (r *registry) Generator() *embeddings.Generator  { return r.opts.Generator }
func (r *registry) VectorStore() vectorstore.Store    { return r.opts.VectorStore }
func (r *registry) Search() *search.Service           { return r.opts.Search }
func (r *registry) Drainer() *drainer.Drainer         { return r.opts.Drainer }
func (r *registry) Discoverer() *discovery.Discoverer { return r.opts.Discoverer }
func (r *registry) Tenants() *discovery.Registry      { return r.opts.Tenants }
