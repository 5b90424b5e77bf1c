// Package eventlog describes the per-tenant append-only event log consumed by
// the backlog drainer.
//
// Each tenant owns one stream named "thoughts:{tenant}". Positions are
// monotonically increasing within a stream. Consumer groups track a
// last-delivered position and a pending set; an entry stays pending until it
// is acknowledged, so delivery is at least once.
package eventlog

import (
	"context"
	"errors"
	"strings"
	"time"
)

// StreamPrefix prefixes every tenant stream name.
const StreamPrefix = "thoughts:"

// Event type tags carried in the "type" field.
const (
	TypeThoughtCreated = "thought.created"

	FieldType      = "type"
	FieldThoughtID = "thought_id"
)

var (
	// ErrGroupNotFound is returned when claiming from a group that was never created.
	ErrGroupNotFound = errors.New("consumer group not found")
	// ErrUnavailable wraps failures of the underlying log.
	ErrUnavailable = errors.New("event log unavailable")
)

// StreamName returns the stream name for a tenant.
func StreamName(tenant string) string {
	return StreamPrefix + tenant
}

// TenantFromStream parses a stream name produced by StreamName.
func TenantFromStream(name string) (string, bool) {
	if !strings.HasPrefix(name, StreamPrefix) {
		return "", false
	}
	tenant := strings.TrimPrefix(name, StreamPrefix)
	return tenant, tenant != ""
}

// Entry is one delivered log entry.
type Entry struct {
	Tenant        string
	Position      int64
	Fields        map[string]string
	DeliveryCount int
	AppendedAt    time.Time
}

// ClaimRequest parameterizes Log.Claim.
type ClaimRequest struct {
	Tenant   string
	Group    string
	Consumer string
	// Count caps the number of entries returned.
	Count int
	// Block is how long Claim waits for new entries when none are claimable.
	// Zero returns immediately.
	Block time.Duration
	// MinIdle is how long an entry must sit unacknowledged before another
	// claim may redeliver it.
	MinIdle time.Duration
}

// GroupInfo is the cursor of one consumer group on one tenant stream.
type GroupInfo struct {
	Tenant        string    `json:"tenant"`
	Group         string    `json:"group"`
	LastPosition  int64     `json:"last_position"`
	LastDelivered int64     `json:"last_delivered"`
	Pending       int       `json:"pending"`
	Parked        int       `json:"parked"`
	Lag           int64     `json:"lag"`
	CreatedAt     time.Time `json:"created_at"`
}

// ParkedEntry is an entry moved out of the pending set after repeated or
// permanent failure.
type ParkedEntry struct {
	Tenant    string    `json:"tenant"`
	Group     string    `json:"group"`
	Position  int64     `json:"position"`
	ThoughtID string    `json:"thought_id"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	ParkedAt  time.Time `json:"parked_at"`
}

// Log is the durable log boundary.
type Log interface {
	// Append adds an entry to the tenant's stream and returns its position.
	Append(ctx context.Context, tenant string, fields map[string]string) (int64, error)
	// CreateGroup creates a consumer group positioned at the start of the
	// stream. Creating an existing group is a no-op.
	CreateGroup(ctx context.Context, tenant, group string) error
	// Claim returns entries for the consumer: pending entries idle longer
	// than MinIdle first, then entries never delivered to the group.
	Claim(ctx context.Context, req ClaimRequest) ([]Entry, error)
	// Reclaim renews the consumer's delivery of positions it still owns and
	// returns them with their delivery count incremented. Positions no longer
	// pending for that consumer are skipped.
	Reclaim(ctx context.Context, tenant, group, consumer string, positions ...int64) ([]Entry, error)
	// Ack removes positions from the group's pending set and returns how
	// many were pending.
	Ack(ctx context.Context, tenant, group string, positions ...int64) (int, error)
	// Park records an entry as dead-lettered and acknowledges it atomically.
	Park(ctx context.Context, entry ParkedEntry) error
	// GroupInfo returns the group's cursor and lag.
	GroupInfo(ctx context.Context, tenant, group string) (GroupInfo, error)
	// ListStreams returns every stream name.
	ListStreams(ctx context.Context) ([]string, error)
}
