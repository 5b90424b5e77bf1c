// Package drainer turns thought.created log entries into stored embeddings.
//
// One worker goroutine runs per provisioned tenant. A worker claims a batch
// from the tenant's consumer group, processes it in log order and
// acknowledges each entry only once its outcome is durable. Provider calls
// from all workers share one bounded pool, so a slow provider cannot stall
// discovery or claim scheduling.
//
// Every claimed entry ends in exactly one outcome:
//
//	embedded          vector stored, entry acknowledged
//	already_embedded  vector existed, acknowledged without a provider call
//	malformed         undecodable entry, missing record or empty content; acknowledged and logged
//	parked            permanent provider rejection, or a transient one seen MaxAttempts times
//	retry             transient failure; left pending for redelivery
package drainer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/thoughtd/internal/discovery"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/retry"
	"github.com/fyrsmithlabs/thoughtd/internal/store"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

// Retry schedule operations.
const (
	OpClaim = "claim"
	OpEmbed = "embed"
	OpStore = "store"
)

// Log is the part of the event log the drainer uses.
type Log interface {
	Claim(ctx context.Context, req eventlog.ClaimRequest) ([]eventlog.Entry, error)
	Reclaim(ctx context.Context, tenant, group, consumer string, positions ...int64) ([]eventlog.Entry, error)
	Ack(ctx context.Context, tenant, group string, positions ...int64) (int, error)
	Park(ctx context.Context, entry eventlog.ParkedEntry) error
	GroupInfo(ctx context.Context, tenant, group string) (eventlog.GroupInfo, error)
	Parked(ctx context.Context, tenant, group string) ([]eventlog.ParkedEntry, error)
}

// Thoughts resolves thought content.
type Thoughts interface {
	GetThought(ctx context.Context, tenant, id string) (thought.Record, error)
}

// Embedder generates document embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) (embeddings.Embedding, error)
}

// Invalidator drops cached search results for a tenant.
type Invalidator interface {
	InvalidateTenant(tenant string)
}

// Notifier announces stored embeddings. Implementations must not block.
type Notifier interface {
	Embedded(tenant, thoughtID string)
}

// Config tunes a Drainer.
type Config struct {
	Group    string
	Consumer string
	// BatchSize caps entries per claim.
	BatchSize int
	// Block is how long a claim waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an unacknowledged entry waits before redelivery.
	ClaimIdle time.Duration
	// Workers bounds concurrent provider calls across all tenants.
	Workers int
	// MaxAttempts parks an entry after this many deliveries end in a
	// transient provider failure.
	MaxAttempts int
	Backoff     retry.Config
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Deps are the drainer's collaborators. Invalidator and Notifier may be nil.
type Deps struct {
	Log         Log
	Thoughts    Thoughts
	Embedder    Embedder
	Vectors     vectorstore.Store
	Registry    *discovery.Registry
	Invalidator Invalidator
	Notifier    Notifier
}

// Drainer drains every provisioned tenant's backlog.
type Drainer struct {
	deps   Deps
	cfg    Config
	sched  *retry.Scheduler
	pool   *semaphore.Weighted
	logger *zap.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	runCtx  context.Context
	workers map[string]struct{}
	turns   map[string]*semaphore.Weighted
	wg      sync.WaitGroup
}

// New validates deps and returns a Drainer.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Drainer, error) {
	if deps.Log == nil || deps.Thoughts == nil || deps.Embedder == nil || deps.Vectors == nil || deps.Registry == nil {
		return nil, errors.New("drainer: log, thoughts, embedder, vectors and registry are required")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, errors.New("drainer: group and consumer are required")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drainer{
		deps:    deps,
		cfg:     cfg,
		sched:   retry.NewScheduler(cfg.Backoff),
		pool:    semaphore.NewWeighted(int64(cfg.Workers)),
		logger:  logger.Named("drainer"),
		tracer:  otel.Tracer("thoughtd.drainer"),
		workers: make(map[string]struct{}),
		turns:   make(map[string]*semaphore.Weighted),
	}, nil
}

// opError tags a transient failure with the operation that failed.
type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return e.op + ": " + e.err.Error() }
func (e *opError) Unwrap() error { return e.err }

// FailedOp returns the operation a DrainOnce error came from, or "".
func FailedOp(err error) string {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.op
	}
	return ""
}

// Stats summarizes one DrainOnce call.
type Stats struct {
	Claimed         int `json:"claimed"`
	Embedded        int `json:"embedded"`
	AlreadyEmbedded int `json:"already_embedded"`
	Malformed       int `json:"malformed"`
	Parked          int `json:"parked"`
	// Retry counts entries left pending after a transient failure.
	Retry int `json:"retry"`
}

// Processed is the number of entries resolved (acknowledged or parked).
func (s Stats) Processed() int {
	return s.Embedded + s.AlreadyEmbedded + s.Malformed + s.Parked
}

func (s *Stats) add(o Stats) {
	s.Claimed += o.Claimed
	s.Embedded += o.Embedded
	s.AlreadyEmbedded += o.AlreadyEmbedded
	s.Malformed += o.Malformed
	s.Parked += o.Parked
	s.Retry += o.Retry
}

// DrainOnce claims up to BatchSize entries for tenant, waiting up to Block
// for new ones, and processes them in log order. Cancelling ctx aborts the
// claim; a claimed batch is always processed to the end or to its first
// transient failure. On a transient failure the remaining entries stay
// pending and the error names the failed operation.
func (d *Drainer) DrainOnce(ctx context.Context, tenant string) (Stats, error) {
	return d.drain(ctx, tenant, d.cfg.Block)
}

// DrainPending drains without blocking until the tenant has nothing
// claimable, or a transient failure stops it.
func (d *Drainer) DrainPending(ctx context.Context, tenant string) (Stats, error) {
	var total Stats
	for {
		st, err := d.drain(ctx, tenant, 0)
		total.add(st)
		if err != nil || st.Claimed == 0 || st.Retry > 0 {
			return total, err
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (d *Drainer) drain(ctx context.Context, tenant string, block time.Duration) (Stats, error) {
	if err := thought.ValidateTenant(tenant); err != nil {
		return Stats{}, err
	}
	release, err := d.turn(ctx, tenant)
	if err != nil {
		return Stats{}, err
	}
	defer release()

	entries, err := d.claim(ctx, tenant, block)
	if err != nil || len(entries) == 0 {
		return Stats{}, err
	}
	st, _, err := d.processBatch(ctx, tenant, entries)
	return st, err
}

// turn serializes claim-and-process cycles on one tenant within this
// drainer. A DrainOnce or DrainPending call and the tenant's Run worker
// share the consumer name, so without it they would claim disjoint batches
// and embed them out of order.
func (d *Drainer) turn(ctx context.Context, tenant string) (func(), error) {
	d.mu.Lock()
	sem, ok := d.turns[tenant]
	if !ok {
		sem = semaphore.NewWeighted(1)
		d.turns[tenant] = sem
	}
	d.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func (d *Drainer) claim(ctx context.Context, tenant string, block time.Duration) ([]eventlog.Entry, error) {
	if err := thought.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	entries, err := d.deps.Log.Claim(ctx, eventlog.ClaimRequest{
		Tenant:   tenant,
		Group:    d.cfg.Group,
		Consumer: d.cfg.Consumer,
		Count:    d.cfg.BatchSize,
		Block:    block,
		MinIdle:  d.cfg.ClaimIdle,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &opError{op: OpClaim, err: err}
	}
	d.sched.Success(retry.Key{Tenant: tenant, Operation: OpClaim})
	return entries, nil
}

// reclaim renews this consumer's delivery of positions left over from a
// transient failure. Entries another consumer took over while this one was
// backing off are dropped from the batch.
func (d *Drainer) reclaim(ctx context.Context, tenant string, positions []int64) ([]eventlog.Entry, error) {
	entries, err := d.deps.Log.Reclaim(ctx, tenant, d.cfg.Group, d.cfg.Consumer, positions...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &opError{op: OpClaim, err: err}
	}
	if lost := len(positions) - len(entries); lost > 0 {
		logging.For(ctx, d.logger).Info("leftover entries taken over by another consumer",
			zap.Int("lost", lost),
			zap.Int("kept", len(entries)))
	}
	d.sched.Success(retry.Key{Tenant: tenant, Operation: OpClaim})
	return entries, nil
}

// processBatch handles entries in order. It stops at the first transient
// failure and returns the unprocessed remainder, failed entry first.
func (d *Drainer) processBatch(ctx context.Context, tenant string, entries []eventlog.Entry) (Stats, []eventlog.Entry, error) {
	start := time.Now()
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	// The batch finishes even if ctx is cancelled mid-way.
	ctx = logging.WithOperation(logging.WithTenant(context.WithoutCancel(ctx), tenant), "drain")
	ctx, span := d.tracer.Start(ctx, "Drainer.ProcessBatch", trace.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.Int("entries", len(entries)),
	))
	defer span.End()

	st := Stats{Claimed: len(entries)}
	for i, e := range entries {
		outcome, err := d.process(ctx, e)
		events.WithLabelValues(outcome).Inc()
		switch outcome {
		case outcomeEmbedded:
			st.Embedded++
		case outcomeAlreadyEmbedded:
			st.AlreadyEmbedded++
		case outcomeMalformed:
			st.Malformed++
		case outcomeParked:
			st.Parked++
		case outcomeRetry:
			st.Retry = len(entries) - i
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return st, entries[i:], err
		}
	}
	return st, nil, nil
}

// process handles one entry and returns its outcome. A non-nil error is
// returned only with outcomeRetry.
func (d *Drainer) process(ctx context.Context, e eventlog.Entry) (string, error) {
	logger := logging.For(ctx, d.logger).With(
		zap.Int64("position", e.Position),
		zap.Int("delivery", e.DeliveryCount))

	var created eventlog.Created
	switch ev := eventlog.Decode(e).(type) {
	case eventlog.Created:
		created = ev
	case eventlog.Unknown:
		logger.Warn("discarding undecodable entry",
			zap.String("taxonomy", "malformed_input"),
			zap.String("type", ev.Type),
			zap.String("reason", ev.Reason))
		return d.ack(ctx, e, outcomeMalformed)
	}
	logger = logger.With(zap.String("thought_id", created.ThoughtID))

	exists, err := d.deps.Vectors.Exists(ctx, e.Tenant, created.ThoughtID)
	if err != nil {
		return d.transient(logger, OpStore, e, err)
	}
	if exists {
		logger.Debug("embedding already stored")
		return d.ack(ctx, e, outcomeAlreadyEmbedded)
	}

	rec, err := d.deps.Thoughts.GetThought(ctx, e.Tenant, created.ThoughtID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("discarding entry for missing thought", zap.String("taxonomy", "malformed_input"))
		return d.ack(ctx, e, outcomeMalformed)
	}
	if err != nil {
		return d.transient(logger, OpStore, e, err)
	}
	if thought.Normalize(rec.Content) == "" {
		logger.Warn("discarding entry with empty content", zap.String("taxonomy", "malformed_input"))
		return d.ack(ctx, e, outcomeMalformed)
	}

	if err := d.pool.Acquire(ctx, 1); err != nil {
		return d.transient(logger, OpEmbed, e, err)
	}
	emb, err := d.deps.Embedder.Embed(ctx, rec.Content)
	d.pool.Release(1)
	if err != nil {
		return d.embedFailed(ctx, logger, e, created.ThoughtID, err)
	}

	err = d.deps.Vectors.Put(ctx, vectorstore.Record{
		Tenant:      e.Tenant,
		ThoughtID:   created.ThoughtID,
		Content:     rec.Content,
		Vector:      emb.Vector,
		CreatedAt:   rec.CreatedAt,
		GeneratedAt: emb.GeneratedAt,
		Provider:    emb.Provider,
		Model:       emb.Model,
	})
	if err != nil {
		if errors.Is(err, vectorstore.ErrIsolationViolation) {
			logger.DPanic("vector store isolation violation on put", zap.Error(err))
		}
		return d.transient(logger, OpStore, e, err)
	}

	outcome, err := d.ack(ctx, e, outcomeEmbedded)
	if err != nil {
		return outcome, err
	}
	d.sched.Success(retry.Key{Tenant: e.Tenant, Operation: OpEmbed})
	d.sched.Success(retry.Key{Tenant: e.Tenant, Operation: OpStore})
	if d.deps.Invalidator != nil {
		d.deps.Invalidator.InvalidateTenant(e.Tenant)
	}
	if d.deps.Notifier != nil {
		d.deps.Notifier.Embedded(e.Tenant, created.ThoughtID)
	}
	logger.Debug("thought embedded", zap.String("model", emb.Model))
	return outcomeEmbedded, nil
}

func (d *Drainer) embedFailed(ctx context.Context, logger *zap.Logger, e eventlog.Entry, thoughtID string, err error) (string, error) {
	kind := embeddings.KindOf(err)
	if !embeddings.IsPermanent(err) && e.DeliveryCount < d.cfg.MaxAttempts {
		out, terr := d.transient(logger, OpEmbed, e, err)
		var pe *embeddings.ProviderError
		if errors.As(err, &pe) {
			d.sched.Hold(retry.Key{Tenant: e.Tenant, Operation: OpEmbed}, pe.RetryAfter)
		}
		return out, terr
	}

	reason := "provider_rejection: " + kind.String()
	if !embeddings.IsPermanent(err) {
		reason = fmt.Sprintf("max_attempts: %s after %d deliveries", kind, e.DeliveryCount)
	}
	if perr := d.deps.Log.Park(ctx, eventlog.ParkedEntry{
		Tenant:    e.Tenant,
		Group:     d.cfg.Group,
		Position:  e.Position,
		ThoughtID: thoughtID,
		Reason:    reason,
		Attempts:  e.DeliveryCount,
	}); perr != nil {
		return d.transient(logger, OpStore, e, perr)
	}
	logger.Error("entry parked",
		zap.String("taxonomy", "provider_rejection"),
		zap.String("reason", reason),
		zap.Error(err))
	return outcomeParked, nil
}

func (d *Drainer) ack(ctx context.Context, e eventlog.Entry, outcome string) (string, error) {
	if _, err := d.deps.Log.Ack(ctx, e.Tenant, d.cfg.Group, e.Position); err != nil {
		return d.transient(logging.For(ctx, d.logger), OpStore, e, err)
	}
	return outcome, nil
}

func (d *Drainer) transient(logger *zap.Logger, op string, e eventlog.Entry, err error) (string, error) {
	delay := d.sched.Failure(retry.Key{Tenant: e.Tenant, Operation: op})
	logger.Warn("transient failure, entry left pending",
		zap.String("taxonomy", "transient_infra"),
		zap.String("step", op),
		zap.Duration("backoff", delay),
		zap.Error(err))
	return outcomeRetry, &opError{op: op, err: err}
}

// Cursor returns the tenant's consumer group position and lag.
func (d *Drainer) Cursor(ctx context.Context, tenant string) (eventlog.GroupInfo, error) {
	info, err := d.deps.Log.GroupInfo(ctx, tenant, d.cfg.Group)
	if err != nil {
		return eventlog.GroupInfo{}, err
	}
	lag.WithLabelValues(tenant).Set(float64(info.Lag))
	pending.WithLabelValues(tenant).Set(float64(info.Pending))
	parked.WithLabelValues(tenant).Set(float64(info.Parked))
	return info, nil
}

// Parked lists the tenant's dead-lettered entries.
func (d *Drainer) Parked(ctx context.Context, tenant string) ([]eventlog.ParkedEntry, error) {
	return d.deps.Log.Parked(ctx, tenant, d.cfg.Group)
}

// Group returns the consumer group name.
func (d *Drainer) Group() string { return d.cfg.Group }
