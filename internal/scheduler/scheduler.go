// Package scheduler derives point-in-time actions from current lease
// state: an "about to expire" notification one hour before expiry and a
// forced release at exactly expiry. A periodic sweep is the correctness
// backstop: it reclaims expired leases even when no timer ever fired.
// History is compacted hourly.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/loadzone/loadzone/internal/clock"
	"github.com/loadzone/loadzone/internal/history"
	"github.com/loadzone/loadzone/internal/models"
	"github.com/loadzone/loadzone/internal/notify"
	"github.com/loadzone/loadzone/internal/store"
)

// Releaser is the booking surface the scheduler invokes when a lease
// expires.
type Releaser interface {
	Release(ctx context.Context, resourceID string) error
}

// Config defines the scheduler intervals.
type Config struct {
	// SweepInterval is how often expired leases are reclaimed regardless
	// of timers.
	SweepInterval time.Duration
	// CompactInterval is how often history is compacted.
	CompactInterval time.Duration
	// NotifyLead is how far before expiry the warning fires.
	NotifyLead time.Duration
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   time.Minute,
		CompactInterval: time.Hour,
		NotifyLead:      time.Hour,
	}
}

// pending holds the live timers for one resource. Closing cancel stops
// both the notify and the release timer.
type pending struct {
	cancel chan struct{}
}

// Scheduler owns the pending-timer map and the background loop. The map
// is mutated only under mu, the process-wide scheduling lock, so a sweep
// and an explicit re-derivation never interleave their clear/rebuild
// sequences.
type Scheduler struct {
	store     *store.Store
	releaser  Releaser
	sink      notify.Sink
	mailer    notify.Mailer
	compactor *history.Compactor
	clock     clock.Clock
	logger    pslog.Logger
	cfg       Config
	metrics   *metrics

	mu     sync.Mutex
	timers map[string]*pending

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures optional collaborators.
type Options struct {
	Sink       notify.Sink
	Mailer     notify.Mailer
	Clock      clock.Clock
	Logger     pslog.Logger
	Registerer prometheus.Registerer
	Config     Config
}

// New creates a scheduler.
func New(st *store.Store, releaser Releaser, opts Options) *Scheduler {
	if opts.Sink == nil {
		opts.Sink = notify.NopSink{}
	}
	if opts.Mailer == nil {
		opts.Mailer = notify.NopMailer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	cfg := opts.Config
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	if cfg.CompactInterval <= 0 {
		cfg.CompactInterval = DefaultConfig().CompactInterval
	}
	if cfg.NotifyLead <= 0 {
		cfg.NotifyLead = DefaultConfig().NotifyLead
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     st,
		releaser:  releaser,
		sink:      opts.Sink,
		mailer:    opts.Mailer,
		compactor: history.NewCompactor(st, opts.Clock, opts.Logger),
		clock:     opts.Clock,
		logger:    opts.Logger,
		cfg:       cfg,
		metrics:   newMetrics(opts.Registerer),
		timers:    make(map[string]*pending),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start runs the startup passes and begins the background loop.
func (s *Scheduler) Start() {
	if err := s.Compact(s.ctx); err != nil {
		s.logger.Warn("scheduler.startup_compact_failed", "error", err)
	}
	s.Sweep(s.ctx)
	s.Rederive(s.ctx)

	s.wg.Add(1)
	go s.loop()
	s.logger.Info("scheduler.started",
		"sweep_interval", s.cfg.SweepInterval.String(),
		"compact_interval", s.cfg.CompactInterval.String())
}

// Stop cancels timers and waits for the loop and workers to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	s.clearAllLocked()
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("scheduler.stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	sweepCh := s.clock.After(s.cfg.SweepInterval)
	compactCh := s.clock.After(s.cfg.CompactInterval)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-sweepCh:
			s.Sweep(s.ctx)
			sweepCh = s.clock.After(s.cfg.SweepInterval)
		case <-compactCh:
			if err := s.Compact(s.ctx); err != nil {
				s.logger.Warn("scheduler.compact_failed", "error", err)
			}
			compactCh = s.clock.After(s.cfg.CompactInterval)
		}
	}
}

// Rederive rebuilds every pending timer from current lease state. It is
// idempotent: all previously scheduled timers are cleared first, so stale
// timers never fire. Per-resource failures are logged and do not affect
// the rest of the pass.
func (s *Scheduler) Rederive(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearAllLocked()

	resources, err := s.store.ListLeased(ctx)
	if err != nil {
		s.logger.Warn("scheduler.rederive.list_failed", "error", err)
		return
	}
	now := s.clock.Now()
	for i := range resources {
		res := resources[i]
		expiry, ok := models.ParseTime(res.ExpiresAt)
		if !ok {
			// Unparsable expiry is already expired; the sweep reclaims it.
			s.logger.Warn("scheduler.rederive.bad_expiry", "resource", res.ID, "expires_at", res.ExpiresAt)
			continue
		}

		rt := &pending{cancel: make(chan struct{})}
		scheduled := false

		notifyAt := expiry.Add(-s.cfg.NotifyLead)
		if notifyAt.After(now) {
			target := ""
			if len(res.Queue) > 0 {
				target = res.Queue[0]
			}
			id := res.ID
			s.startTimer(rt, notifyAt.Sub(now), func(context.Context) {
				s.fireNotify(id, target)
			})
			scheduled = true
		}
		if expiry.After(now) {
			id := res.ID
			s.startTimer(rt, expiry.Sub(now), func(ctx context.Context) {
				s.fireRelease(ctx, id)
			})
			scheduled = true
		}
		if scheduled {
			s.timers[res.ID] = rt
		}
	}
	s.metrics.pendingTimers.Set(float64(len(s.timers)))
}

// Drop synchronously cancels any pending timers for a resource. A
// cancelled or deleted resource must never be acted on by a stale timer.
func (s *Scheduler) Drop(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.timers[resourceID]; ok {
		close(rt.cancel)
		delete(s.timers, resourceID)
	}
	s.metrics.pendingTimers.Set(float64(len(s.timers)))
}

// Pending returns the number of resources with scheduled timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) clearAllLocked() {
	for id, rt := range s.timers {
		close(rt.cancel)
		delete(s.timers, id)
	}
}

// startTimer fires fn after d unless the resource's timers are dropped or
// the scheduler stops. fn runs on its own goroutine, never on the loop.
func (s *Scheduler) startTimer(rt *pending, d time.Duration, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.ctx.Done():
		case <-rt.cancel:
		case <-s.clock.After(d):
			fn(s.ctx)
		}
	}()
}

func (s *Scheduler) fireNotify(resourceID, target string) {
	if target != "" {
		s.sink.Emit(notify.Event{
			Name:     notify.EventNextInQueue,
			Message:  fmt.Sprintf("Resource %s: the lease expires in one hour and you are next in the waitlist.", resourceID),
			Target:   target,
			Resource: resourceID,
		})
		s.mailer.Notify(target,
			fmt.Sprintf("[LoadZone] You are next in the waitlist for %s", resourceID),
			fmt.Sprintf("The current lease on resource %s expires in one hour. You are next in the waitlist.", resourceID),
		)
		return
	}
	s.sink.Emit(notify.Event{
		Name:     notify.EventExpiresSoon,
		Message:  fmt.Sprintf("The lease on resource %s expires in one hour.", resourceID),
		Resource: resourceID,
	})
}

func (s *Scheduler) fireRelease(ctx context.Context, resourceID string) {
	if err := s.releaser.Release(ctx, resourceID); err != nil {
		s.logger.Warn("scheduler.release_failed", "resource", resourceID, "error", err)
		return
	}
	s.metrics.releases.WithLabelValues("timer").Inc()
}

// Sweep reclaims every lease whose expiry parsed at or before now, or
// failed to parse at all. It is independent of timers and makes the
// engine self-healing across restarts.
func (s *Scheduler) Sweep(ctx context.Context) {
	resources, err := s.store.ListLeased(ctx)
	if err != nil {
		s.logger.Warn("scheduler.sweep.list_failed", "error", err)
		return
	}
	now := s.clock.Now()
	for i := range resources {
		res := resources[i]
		expiry, ok := models.ParseTime(res.ExpiresAt)
		if ok && expiry.After(now) {
			continue
		}
		s.logger.Info("scheduler.sweep.release", "resource", res.ID, "owner", res.BookedBy, "expires_at", res.ExpiresAt)
		if err := s.releaser.Release(ctx, res.ID); err != nil {
			s.logger.Warn("scheduler.sweep.release_failed", "resource", res.ID, "error", err)
			continue
		}
		s.metrics.releases.WithLabelValues("sweep").Inc()
	}
	s.metrics.sweeps.Inc()
}

// Compact runs one history compaction pass.
func (s *Scheduler) Compact(ctx context.Context) error {
	if err := s.compactor.Run(ctx); err != nil {
		return err
	}
	s.metrics.compactions.Inc()
	return nil
}
