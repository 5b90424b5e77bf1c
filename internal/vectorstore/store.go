package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

var (
	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("invalid vector store configuration")
	// ErrInvalidRecord is returned by Put for records missing required fields.
	ErrInvalidRecord = errors.New("invalid vector record")
	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrUnavailable wraps backend failures that may succeed on retry.
	ErrUnavailable = errors.New("vector store unavailable")
	// ErrIsolationViolation means a result belonging to another tenant
	// surfaced in a query. It indicates a bug or a corrupted index.
	ErrIsolationViolation = errors.New("tenant isolation violation")
)

// Record is one embedded thought.
type Record struct {
	Tenant      string
	ThoughtID   string
	Content     string
	Vector      []float32
	CreatedAt   time.Time
	GeneratedAt time.Time
	Provider    string
	Model       string
}

// Validate checks the fields every backend needs.
func (r Record) Validate(dimension int) error {
	if err := thought.ValidateTenant(r.Tenant); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if r.ThoughtID == "" {
		return fmt.Errorf("%w: thought id is required", ErrInvalidRecord)
	}
	if len(r.Vector) != dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(r.Vector), dimension)
	}
	return nil
}

// Match is a query result. Score is cosine similarity.
type Match struct {
	Tenant      string    `json:"-"`
	ThoughtID   string    `json:"thought_id"`
	Content     string    `json:"content"`
	Score       float32   `json:"score"`
	CreatedAt   time.Time `json:"created_at"`
	GeneratedAt time.Time `json:"generated_at"`
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
}

// Store is a tenant-scoped vector index.
type Store interface {
	// Put inserts or replaces the vector for (Tenant, ThoughtID).
	Put(ctx context.Context, rec Record) error
	// Query returns up to k matches with Score >= threshold, best first.
	Query(ctx context.Context, tenant string, vector []float32, k int, threshold float32) ([]Match, error)
	// Exists reports whether a vector is stored for the thought.
	Exists(ctx context.Context, tenant, thoughtID string) (bool, error)
	// Count returns how many vectors the tenant has.
	Count(ctx context.Context, tenant string) (int, error)
	Close() error
}

// sortMatches orders by score, then newest first, then id.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ThoughtID < b.ThoughtID
	})
}

// finish applies the threshold and limit to backend results.
func finish(matches []Match, k int, threshold float32) []Match {
	out := matches[:0]
	for _, m := range matches {
		if m.Score >= threshold {
			out = append(out, m)
		}
	}
	sortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func validateQuery(tenant string, vector []float32, k, dimension int) error {
	if err := thought.ValidateTenant(tenant); err != nil {
		return err
	}
	if k <= 0 {
		return fmt.Errorf("k must be positive, got %d", k)
	}
	if len(vector) != dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), dimension)
	}
	return nil
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
