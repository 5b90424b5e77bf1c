// Package dedup implements the submission gate: every thought passes through
// Gate.Submit, which suppresses duplicates per tenant and, for new content,
// persists the record and appends its creation event atomically.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/store"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

// MaxContentBytes bounds a single thought.
const MaxContentBytes = 32 * 1024

var (
	// ErrEmptyContent is returned for content that is empty after whitespace
	// normalization.
	ErrEmptyContent = errors.New("thought content is empty")
	// ErrContentTooLarge is returned for content over MaxContentBytes.
	ErrContentTooLarge = errors.New("thought content too large")
	// ErrStorageUnavailable is returned when the atomic accept could not run.
	// Nothing was written; the caller may retry.
	ErrStorageUnavailable = errors.New("thought storage unavailable")
)

// Store is the atomic accept operation the gate relies on.
type Store interface {
	AcceptThought(ctx context.Context, rec thought.Record) (store.AcceptResult, error)
}

// Notifier learns about appended events. Implementations must not block.
type Notifier interface {
	Appended(tenant string, position int64)
}

// Result reports what Submit did. A duplicate is a normal outcome, not an error.
type Result struct {
	Accepted  bool   `json:"accepted"`
	ThoughtID string `json:"thought_id,omitempty"`
	Position  int64  `json:"position,omitempty"`
}

// SubmitOption adjusts a submission.
type SubmitOption func(*thought.Record)

// WithChain attaches the thought to a chain at the given sequence.
func WithChain(chainID string, sequence int) SubmitOption {
	return func(r *thought.Record) {
		r.ChainID = chainID
		r.Sequence = sequence
	}
}

// Gate is the dedup gate.
type Gate struct {
	store    Store
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	newID    func() (string, error)
}

// NewGate returns a gate over s. notifier may be nil.
func NewGate(s Store, notifier Notifier, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:    s,
		notifier: notifier,
		logger:   logger.Named("dedup"),
		now:      func() time.Time { return time.Now().UTC() },
		newID: func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}
}

// Submit accepts content for tenant unless an equal fingerprint was already
// accepted for that tenant.
func (g *Gate) Submit(ctx context.Context, tenant, content string, opts ...SubmitOption) (Result, error) {
	if err := thought.ValidateTenant(tenant); err != nil {
		submissions.WithLabelValues(outcomeRejected).Inc()
		return Result{}, err
	}
	if len(content) > MaxContentBytes {
		submissions.WithLabelValues(outcomeRejected).Inc()
		return Result{}, fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooLarge, len(content), MaxContentBytes)
	}
	if thought.Normalize(content) == "" {
		submissions.WithLabelValues(outcomeRejected).Inc()
		return Result{}, ErrEmptyContent
	}

	id, err := g.newID()
	if err != nil {
		return Result{}, fmt.Errorf("generating thought id: %w", err)
	}
	rec := thought.Record{
		Tenant:      tenant,
		ID:          id,
		Content:     content,
		Fingerprint: thought.Fingerprint(content),
		CreatedAt:   g.now(),
	}
	for _, opt := range opts {
		opt(&rec)
	}

	logger := logging.For(logging.WithTenant(ctx, tenant), g.logger)
	res, err := g.store.AcceptThought(ctx, rec)
	if err != nil {
		submissions.WithLabelValues(outcomeFailed).Inc()
		logger.Warn("accept failed",
			zap.String("taxonomy", "transient_infra"),
			zap.Error(err))
		return Result{}, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	if !res.Accepted {
		submissions.WithLabelValues(outcomeDuplicate).Inc()
		logger.Debug("duplicate submission",
			zap.String("original_id", res.ThoughtID))
		return Result{Accepted: false, ThoughtID: res.ThoughtID}, nil
	}

	submissions.WithLabelValues(outcomeAccepted).Inc()
	if g.notifier != nil {
		g.notifier.Appended(tenant, res.Position)
	}
	logger.Debug("thought accepted",
		zap.String("thought_id", res.ThoughtID),
		zap.Int64("position", res.Position))
	return Result{Accepted: true, ThoughtID: res.ThoughtID, Position: res.Position}, nil
}
