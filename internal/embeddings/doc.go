// Package embeddings turns thought content into fixed-dimension vectors.
//
// A Provider talks to one backend: an HTTP service speaking the TEI or
// OpenAI embeddings API, or a local FastEmbed ONNX model (cgo builds only).
// Generator wraps a Provider with text normalization, rate limiting and
// dimension and norm checks.
//
// Provider failures are reported as *ProviderError. Kind tells callers
// whether retrying can help: InvalidInput is permanent, everything else is
// transient.
package embeddings
