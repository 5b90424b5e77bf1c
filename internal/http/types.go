package http

import (
	"github.com/fyrsmithlabs/thoughtd/internal/drainer"
)

// SubmitRequest is the request body for POST /api/v1/tenants/:tenant/thoughts.
type SubmitRequest struct {
	Content  string `json:"content"`
	ChainID  string `json:"chain_id,omitempty"`
	Sequence int    `json:"sequence,omitempty"`
}

// SubmitResponse reports whether the thought was accepted. For a duplicate,
// ThoughtID is the original thought's id when it is known.
type SubmitResponse struct {
	Accepted  bool   `json:"accepted"`
	ThoughtID string `json:"thought_id,omitempty"`
	Position  int64  `json:"position,omitempty"`
}

// DiscoverResponse is the response body for POST /api/v1/discover.
type DiscoverResponse struct {
	Tenants []string `json:"tenants"`
	New     []string `json:"new"`
	Error   string   `json:"error,omitempty"`
}

// DrainResponse is the response body for POST /api/v1/tenants/:tenant/drain.
type DrainResponse struct {
	Tenant string        `json:"tenant"`
	Stats  drainer.Stats `json:"stats"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
	Tenants int               `json:"tenants"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
