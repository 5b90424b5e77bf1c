// Package vectorstore persists thought embeddings and answers nearest
// neighbour queries, always scoped to one tenant.
//
// Two backends implement Store: ChromemStore, an embedded chromem-go
// database with one collection per tenant, and QdrantStore, a single Qdrant
// collection whose points carry a tenant payload that every query filters
// on.
//
// Tenant isolation is checked twice. Queries are scoped by the backend, and
// every returned match is checked against the requested tenant before it
// leaves the package. A mismatch is reported as ErrIsolationViolation and
// logged at DPanic level; it is never silently filtered.
package vectorstore
