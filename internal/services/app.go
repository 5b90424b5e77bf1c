package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/thoughtd/internal/config"
	"github.com/fyrsmithlabs/thoughtd/internal/dedup"
	"github.com/fyrsmithlabs/thoughtd/internal/discovery"
	"github.com/fyrsmithlabs/thoughtd/internal/drainer"
	"github.com/fyrsmithlabs/thoughtd/internal/embeddings"
	"github.com/fyrsmithlabs/thoughtd/internal/logging"
	"github.com/fyrsmithlabs/thoughtd/internal/notify"
	"github.com/fyrsmithlabs/thoughtd/internal/retry"
	"github.com/fyrsmithlabs/thoughtd/internal/search"
	"github.com/fyrsmithlabs/thoughtd/internal/store"
	"github.com/fyrsmithlabs/thoughtd/internal/vectorstore"
)

// BuildOptions overrides parts of the configured stack.
type BuildOptions struct {
	// Provider replaces the configured embedding provider.
	Provider embeddings.Provider
	// Vectors replaces the configured vector store.
	Vectors vectorstore.Store
	// Consumer overrides drainer.consumer, so one-shot CLI runs do not
	// inherit the daemon's pending entries.
	Consumer string
}

// App is a fully wired thoughtd instance.
type App struct {
	Registry

	cfg       *config.Config
	logger    *zap.Logger
	nc        *nats.Conn
	publisher *notify.Publisher
	closers   []func() error
}

// Build constructs every service from cfg. On error, anything already opened
// is closed.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts BuildOptions) (app *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	st, err := store.NewSQLiteStore(config.ExpandPath(cfg.Store.Path), store.Options{
		ExpectedItems:     cfg.Dedup.ExpectedItems,
		FalsePositiveRate: cfg.Dedup.FalsePositiveRate,
		BusyTimeout:       cfg.Store.BusyTimeout.Duration(),
		Logger:            logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.closers = append(a.closers, st.Close)

	if cfg.NATS.Enabled {
		a.nc, err = notify.Connect(notify.Options{
			URL:   cfg.NATS.URL,
			Token: cfg.NATS.Token.Value(),
			Name:  "thoughtd",
		}, logger)
		if err != nil {
			return nil, err
		}
		a.publisher = notify.NewPublisher(a.nc, cfg.NATS.SubjectPrefix, logger)
	}

	provider := opts.Provider
	if provider == nil {
		provider, err = embeddings.NewProvider(cfg.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}
	gen, err := embeddings.NewGenerator(provider, embeddings.GeneratorConfig{
		Dimension:   cfg.Embeddings.Dimension,
		RateLimit:   cfg.Embeddings.RateLimit,
		Burst:       cfg.Embeddings.Burst,
		Renormalize: cfg.Embeddings.Renormalize,
	}, logger)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}
	a.closers = append(a.closers, gen.Close)
	logger.Info("embedding provider configured",
		zap.String("provider", provider.Name()),
		zap.String("model", provider.Model()),
		zap.Int("dimension", gen.Dimension()),
		logging.Secret("api_key", cfg.Embeddings.APIKey))

	vectors := opts.Vectors
	if vectors == nil {
		vectors, err = vectorstore.NewStore(ctx, cfg, gen.Dimension(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening vector store: %w", err)
		}
	}
	a.closers = append(a.closers, vectors.Close)

	tenants := discovery.NewRegistry()

	searchSvc, err := search.NewService(search.Deps{
		Embedder: gen,
		Vectors:  vectors,
		Lexical:  st,
		Cache:    search.NewQueryCache(cfg.Search.CacheSize, cfg.Search.CacheTTL.Duration()),
		Registry: tenants,
	}, search.ConfigFrom(cfg.Search), logger)
	if err != nil {
		return nil, err
	}

	dcfg := drainerConfig(cfg)
	if opts.Consumer != "" {
		dcfg.Consumer = opts.Consumer
	}
	deps := drainer.Deps{
		Log:         st,
		Thoughts:    st,
		Embedder:    gen,
		Vectors:     vectors,
		Registry:    tenants,
		Invalidator: searchSvc,
	}
	if a.publisher != nil {
		deps.Notifier = a.publisher
	}
	drn, err := drainer.New(deps, dcfg, logger)
	if err != nil {
		return nil, err
	}

	disc, err := discovery.New(st, tenants, discovery.Config{
		Group:    cfg.Drainer.Group,
		DenyList: cfg.Discovery.DenyList,
		Interval: cfg.Discovery.Interval.Duration(),
	}, logger, drn)
	if err != nil {
		return nil, err
	}

	gate := dedup.NewGate(st, &appendHook{publisher: a.publisher, tenants: tenants, discoverer: disc}, logger)

	a.Registry = NewRegistry(Options{
		Store:       st,
		Gate:        gate,
		Generator:   gen,
		VectorStore: vectors,
		Search:      searchSvc,
		Drainer:     drn,
		Discoverer:  disc,
		Tenants:     tenants,
	})
	return a, nil
}

func drainerConfig(cfg *config.Config) drainer.Config {
	d := cfg.Drainer
	return drainer.Config{
		Group:       d.Group,
		Consumer:    d.Consumer,
		BatchSize:   d.BatchSize,
		Block:       d.BlockTimeout.Duration(),
		ClaimIdle:   d.ClaimIdle.Duration(),
		Workers:     d.Workers,
		MaxAttempts: d.MaxAttempts,
		Backoff: retry.Config{
			Initial:    d.Backoff.Initial.Duration(),
			Max:        d.Backoff.Max.Duration(),
			Multiplier: d.Backoff.Multiplier,
			Jitter:     d.Backoff.Jitter,
		},
	}
}

// Verify checks that the provider produces unit-norm vectors. A provider
// that cannot be reached is logged and tolerated; the drainer retries it.
func (a *App) Verify(ctx context.Context) error {
	err := a.Generator().Verify(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, embeddings.ErrNotNormalized):
		return err
	default:
		a.logger.Warn("embedding provider check failed; continuing",
			zap.String("taxonomy", "transient_infra"),
			zap.Error(err))
		return nil
	}
}

// Run starts discovery, the drainer and, when NATS is enabled, the
// notification subscription. It returns once ctx is cancelled and every
// in-flight batch has finished.
func (a *App) Run(ctx context.Context) error {
	if err := a.Verify(ctx); err != nil {
		return err
	}

	if a.nc != nil {
		sub, err := notify.Subscribe(a.nc, a.cfg.NATS.SubjectPrefix, notify.Handlers{
			Appended: a.onAppended,
			Embedded: a.onEmbedded,
		}, a.logger)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Discoverer().Run(gctx) })
	g.Go(func() error { return a.Drainer().Run(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onAppended wakes blocked claims for writes made by other processes.
func (a *App) onAppended(m notify.Message) {
	a.Store().Signal(m.Tenant)
	if !a.Tenants().Has(m.Tenant) && !a.Discoverer().Denied(m.Tenant) {
		a.Discoverer().Trigger()
	}
}

// onEmbedded drops cached searches when another process stored a vector.
func (a *App) onEmbedded(m notify.Message) {
	a.Search().InvalidateTenant(m.Tenant)
}

// Close releases every resource in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// appendHook runs after every accepted submission.
type appendHook struct {
	publisher  *notify.Publisher
	tenants    *discovery.Registry
	discoverer *discovery.Discoverer
}

func (h *appendHook) Appended(tenant string, position int64) {
	h.publisher.Appended(tenant, position)
	if !h.tenants.Has(tenant) && !h.discoverer.Denied(tenant) {
		h.discoverer.Trigger()
	}
}
