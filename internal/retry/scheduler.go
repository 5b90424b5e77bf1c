// Package retry schedules retries per (tenant, operation) with bounded
// exponential backoff and jitter, so one failing tenant slows only itself.
package retry

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Key identifies an independent retry schedule.
type Key struct {
	Tenant    string
	Operation string
}

// Config shapes every schedule created by a Scheduler.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1]; a delay d becomes a
	// value in [d*(1-Jitter), d*(1+Jitter)].
	Jitter float64
}

// DefaultConfig returns a 500ms start, doubling to one minute with 50% jitter.
func DefaultConfig() Config {
	return Config{Initial: 500 * time.Millisecond, Max: time.Minute, Multiplier: 2, Jitter: 0.5}
}

type schedule struct {
	backoff  *backoff.ExponentialBackOff
	until    time.Time
	failures int
}

// Scheduler tracks retry schedules. It is safe for concurrent use.
type Scheduler struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	schedules map[Key]*schedule
}

// NewScheduler returns a scheduler; zero config fields take DefaultConfig values.
func NewScheduler(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 || cfg.Jitter > 1 {
		cfg.Jitter = def.Jitter
	}
	return &Scheduler{cfg: cfg, now: time.Now, schedules: make(map[Key]*schedule)}
}

// Failure records a failed attempt and returns the delay before the next one.
func (s *Scheduler) Failure(key Key) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.schedules[key]
	if !ok {
		b := &backoff.ExponentialBackOff{
			InitialInterval:     s.cfg.Initial,
			RandomizationFactor: s.cfg.Jitter,
			Multiplier:          s.cfg.Multiplier,
			MaxInterval:         s.cfg.Max,
		}
		b.Reset()
		sc = &schedule{backoff: b}
		s.schedules[key] = sc
	}

	d := sc.backoff.NextBackOff()
	if d == backoff.Stop || d < 0 {
		d = s.cfg.Max
	}
	// Jitter can push past MaxInterval; the bound is hard.
	if limit := time.Duration(float64(s.cfg.Max) * (1 + s.cfg.Jitter)); d > limit {
		d = limit
	}
	sc.failures++
	sc.until = s.now().Add(d)
	return d
}

// Success clears the schedule for key.
func (s *Scheduler) Success(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, key)
}

// Delay returns how long until key may run again; zero when it may run now.
func (s *Scheduler) Delay(key Key) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[key]
	if !ok {
		return 0
	}
	if d := sc.until.Sub(s.now()); d > 0 {
		return d
	}
	return 0
}

// Failures returns the number of consecutive failures recorded for key.
func (s *Scheduler) Failures(key Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schedules[key]; ok {
		return sc.failures
	}
	return 0
}

// Wait blocks until key may run again or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, key Key) error {
	d := s.Delay(key)
	if d == 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Hold keeps key from running for at least d, e.g. when a provider sent
// Retry-After. It never shortens an existing delay.
func (s *Scheduler) Hold(key Key, d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[key]
	if !ok {
		return
	}
	if until := s.now().Add(d); until.After(sc.until) {
		sc.until = until
	}
}
