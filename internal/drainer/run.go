package drainer

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/retry"
)

// Run starts a worker for every tenant in the registry and for each tenant
// discovered later, then blocks until ctx is cancelled. On cancel, workers
// finish their current batch, claim nothing new, and Run returns once all
// have stopped.
func (d *Drainer) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.runCtx != nil {
		d.mu.Unlock()
		return errors.New("drainer: already running")
	}
	d.runCtx = ctx
	d.mu.Unlock()

	for _, tenant := range d.deps.Registry.Names() {
		d.startWorker(tenant)
	}
	d.logger.Info("drainer started",
		zap.String("group", d.cfg.Group),
		zap.String("consumer", d.cfg.Consumer),
		zap.Int("tenants", d.deps.Registry.Len()))

	<-ctx.Done()
	d.wg.Wait()
	d.logger.Info("drainer stopped")
	return nil
}

// TenantDiscovered starts a worker for a newly provisioned tenant. Before
// Run it is a no-op; Run picks the tenant up from the registry.
func (d *Drainer) TenantDiscovered(_ context.Context, tenant string) {
	d.startWorker(tenant)
}

func (d *Drainer) startWorker(tenant string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.runCtx == nil || d.runCtx.Err() != nil {
		return
	}
	if _, ok := d.workers[tenant]; ok {
		return
	}
	d.workers[tenant] = struct{}{}
	d.wg.Add(1)
	go func(ctx context.Context) {
		defer d.wg.Done()
		d.work(ctx, tenant)
	}(d.runCtx)
}

// Workers returns the number of running tenant workers.
func (d *Drainer) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// work is one tenant's loop. Entries left over from a transient failure are
// reclaimed from the log after backoff and retried, in order, before
// anything new is claimed.
func (d *Drainer) work(ctx context.Context, tenant string) {
	ctx = logging.WithTenant(ctx, tenant)
	logger := logging.For(ctx, d.logger)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	var leftover []int64
	for ctx.Err() == nil {
		if err := d.waitBackoff(ctx, tenant); err != nil {
			return
		}
		release, err := d.turn(ctx, tenant)
		if err != nil {
			return
		}
		var st Stats
		st, leftover, err = d.cycle(ctx, tenant, leftover)
		release()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			return
		case FailedOp(err) == OpClaim:
			delay := d.sched.Failure(retry.Key{Tenant: tenant, Operation: OpClaim})
			logger.Warn("claim failed",
				zap.String("taxonomy", "transient_infra"),
				zap.Duration("backoff", delay),
				zap.Error(err))
		}

		if st.Claimed > 0 {
			if _, cerr := d.Cursor(context.WithoutCancel(ctx), tenant); cerr != nil {
				logger.Debug("reading cursor failed", zap.Error(cerr))
			}
		}
	}
}

// cycle processes one batch: the leftover positions of an earlier transient
// failure when there are any, otherwise a fresh claim. It returns the
// positions still to retry.
func (d *Drainer) cycle(ctx context.Context, tenant string, leftover []int64) (Stats, []int64, error) {
	var (
		entries []eventlog.Entry
		err     error
	)
	if len(leftover) > 0 {
		entries, err = d.reclaim(ctx, tenant, leftover)
		if err != nil {
			return Stats{}, leftover, err
		}
	} else {
		entries, err = d.claim(ctx, tenant, d.cfg.Block)
	}
	if err != nil || len(entries) == 0 {
		return Stats{}, nil, err
	}

	st, rest, err := d.processBatch(ctx, tenant, entries)
	positions := make([]int64, len(rest))
	for i, e := range rest {
		positions[i] = e.Position
	}
	return st, positions, err
}

func (d *Drainer) waitBackoff(ctx context.Context, tenant string) error {
	for _, op := range []string{OpClaim, OpEmbed, OpStore} {
		if err := d.sched.Wait(ctx, retry.Key{Tenant: tenant, Operation: op}); err != nil {
			return err
		}
	}
	return nil
}
