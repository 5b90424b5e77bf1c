// Package services builds and holds the long-lived thoughtd services.
//
// Build opens the store, the embedding generator and the vector store from a
// config.Config and wires the dedup gate, discovery, the drainer and search
// together. The resulting App exposes each service through the Registry
// accessors; Run starts the background loops and Close releases everything.
package services
