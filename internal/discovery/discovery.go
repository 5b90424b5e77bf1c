// Package discovery finds tenants by scanning the event log's stream names
// and provisions a consumer group for each one it has not seen before.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/thoughtd/internal/eventlog"
	"github.com/fyrsmithlabs/thoughtd/internal/thought"
)

var (
	knownTenants = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "thoughtd",
		Subsystem: "discovery",
		Name:      "tenants",
		Help:      "Number of provisioned tenants",
	})
	passes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "thoughtd",
		Subsystem: "discovery",
		Name:      "passes_total",
		Help:      "Discovery passes by result (success, partial, error)",
	}, []string{"result"})
)

// Log is the subset of the event log discovery needs.
type Log interface {
	ListStreams(ctx context.Context) ([]string, error)
	CreateGroup(ctx context.Context, tenant, group string) error
}

// Listener is told about each newly provisioned tenant, after its consumer
// group exists.
type Listener interface {
	TenantDiscovered(ctx context.Context, tenant string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, tenant string)

func (f ListenerFunc) TenantDiscovered(ctx context.Context, tenant string) { f(ctx, tenant) }

// Config configures a Discoverer.
type Config struct {
	Group string
	// DenyList entries are tenant names or path.Match patterns.
	DenyList []string
	Interval time.Duration
}

// Result is the outcome of one pass.
type Result struct {
	// Tenants is every allowed tenant found in the log.
	Tenants []string `json:"tenants"`
	// New lists the tenants provisioned by this pass.
	New []string `json:"new"`
}

// Discoverer provisions tenants into a Registry.
type Discoverer struct {
	log       Log
	registry  *Registry
	cfg       Config
	listeners []Listener
	logger    *zap.Logger
	now       func() time.Time
	trigger   chan struct{}
}

// New returns a Discoverer writing to registry.
func New(log Log, registry *Registry, cfg Config, logger *zap.Logger, listeners ...Listener) (*Discoverer, error) {
	if cfg.Group == "" {
		return nil, errors.New("discovery: consumer group is required")
	}
	for _, pattern := range cfg.DenyList {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("discovery: bad deny-list pattern %q: %w", pattern, err)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{
		log:       log,
		registry:  registry,
		cfg:       cfg,
		listeners: listeners,
		logger:    logger.Named("discovery"),
		now:       func() time.Time { return time.Now().UTC() },
		trigger:   make(chan struct{}, 1),
	}, nil
}

// Registry returns the registry this discoverer writes to.
func (d *Discoverer) Registry() *Registry { return d.registry }

// Denied reports whether tenant matches the deny-list.
func (d *Discoverer) Denied(tenant string) bool {
	for _, pattern := range d.cfg.DenyList {
		if ok, _ := path.Match(pattern, tenant); ok {
			return true
		}
	}
	return false
}

// Discover runs one pass. A failed enumeration changes nothing. A tenant
// whose group cannot be created stays unprovisioned and is retried on the
// next pass; the others are still provisioned.
func (d *Discoverer) Discover(ctx context.Context) (Result, error) {
	streams, err := d.log.ListStreams(ctx)
	if err != nil {
		passes.WithLabelValues("error").Inc()
		d.logger.Warn("listing streams failed",
			zap.String("taxonomy", "transient_infra"),
			zap.Error(err))
		return Result{}, fmt.Errorf("listing streams: %w", err)
	}

	var res Result
	var errs []error
	for _, name := range streams {
		tenant, ok := eventlog.TenantFromStream(name)
		if !ok {
			continue
		}
		if err := thought.ValidateTenant(tenant); err != nil {
			d.logger.Warn("skipping stream with invalid tenant name",
				zap.String("stream", name),
				zap.String("taxonomy", "malformed_input"))
			continue
		}
		if d.Denied(tenant) {
			d.logger.Debug("skipping denied tenant", zap.String("tenant", tenant))
			continue
		}
		res.Tenants = append(res.Tenants, tenant)
		if d.registry.Has(tenant) {
			continue
		}

		if err := d.log.CreateGroup(ctx, tenant, d.cfg.Group); err != nil {
			d.logger.Warn("provisioning consumer group failed",
				zap.String("tenant", tenant),
				zap.String("taxonomy", "transient_infra"),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("provisioning %s: %w", tenant, err))
			continue
		}
		if !d.registry.add(tenant, d.now()) {
			continue
		}
		res.New = append(res.New, tenant)
		d.logger.Info("tenant discovered",
			zap.String("tenant", tenant),
			zap.String("group", d.cfg.Group))
		for _, l := range d.listeners {
			l.TenantDiscovered(ctx, tenant)
		}
	}

	knownTenants.Set(float64(d.registry.Len()))
	switch {
	case len(errs) > 0:
		passes.WithLabelValues("partial").Inc()
	default:
		passes.WithLabelValues("success").Inc()
	}
	return res, errors.Join(errs...)
}

// Trigger requests an immediate pass from Run. It never blocks; triggers
// that arrive while one is queued are merged.
func (d *Discoverer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run discovers immediately, then on every interval tick or Trigger, until
// ctx is cancelled. A pass already in progress completes before Run returns.
func (d *Discoverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.logger.Info("discovery started",
		zap.Duration("interval", d.cfg.Interval),
		zap.Strings("deny_list", d.cfg.DenyList))
	for {
		// Passes ignore cancellation; stop takes effect between passes.
		_, _ = d.Discover(context.WithoutCancel(ctx))

		select {
		case <-ctx.Done():
			d.logger.Info("discovery stopped")
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
	}
}
