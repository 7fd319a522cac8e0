// Package engine owns the scheduling loops: planning NEW requests into
// allocation batches, recovering expired claim leases, releasing stacked
// items, topping up short requests and force-completing overdue ones.
//
// Every loop is level-triggered: it derives its work from current row state,
// so a missed tick is repaired by the next one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"resfarm/internal/catalog"
	"resfarm/internal/config"
	"resfarm/internal/domain"
	"resfarm/internal/settings"
	"resfarm/internal/storage"
	logx "resfarm/pkg/logx"
)

// ErrNotClaimable is returned when a claim request can never be satisfied,
// as opposed to there simply being no work right now.
var ErrNotClaimable = errors.New("not claimable")

// ErrUnknownSweep is returned for a manual trigger naming no sweep.
var ErrUnknownSweep = errors.New("unknown sweep")

// Mirror is the optional legacy-system notifier. A nil Mirror disables it.
type Mirror interface {
	MirrorCompletion(ctx context.Context, req domain.WorkRequest, item domain.AllocationItem)
}

// Service runs the five scheduling operations and their cron registration.
type Service struct {
	store    *storage.Store
	catalog  *catalog.Service
	settings *settings.Service
	mirror   Mirror
	log      logx.Logger

	mu  sync.Mutex
	cfg config.SweepsConfig
	c   *cron.Cron

	// one guard per sweep name; an overlapping tick is skipped, not queued
	guards map[string]*atomic.Bool
}

func New(store *storage.Store, cat *catalog.Service, set *settings.Service, mirror Mirror, cfg config.SweepsConfig, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:    store,
		catalog:  cat,
		settings: set,
		mirror:   mirror,
		cfg:      cfg,
		log:      log.With(logx.String("component", "engine")),
		guards:   map[string]*atomic.Bool{},
	}
	for _, name := range SweepNames() {
		s.guards[name] = &atomic.Bool{}
	}
	return s
}

// SweepNames lists the schedulable operations in registration order.
func SweepNames() []string {
	return []string{"plan", "lease", "stacking", "realloc", "timeout"}
}

// Start registers the sweep-interval cron entries and starts the scheduler.
// A second Start without Stop is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("sweeps disabled by config")
		return nil
	}

	c := cron.New()
	entries := []struct {
		name     string
		interval string
		def      time.Duration
		fn       func(context.Context) error
	}{
		{"plan", s.cfg.Plan, 10 * time.Second, s.PlanNew},
		{"lease", s.cfg.Lease, 30 * time.Second, s.ReleaseExpired},
		{"stacking", s.cfg.Stacking, 30 * time.Second, s.PromoteStacking},
		{"realloc", s.cfg.Realloc, time.Minute, s.Reallocate},
		{"timeout", s.cfg.Timeout, time.Minute, s.SweepTimeouts},
	}
	for _, e := range entries {
		interval, err := config.ParseDurationOrDefault("sweeps."+e.name, e.interval, e.def)
		if err != nil {
			return err
		}
		name, fn := e.name, e.fn
		if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
			s.runGuarded(ctx, name, fn)
		}); err != nil {
			return fmt.Errorf("register sweep %s: %w", name, err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("sweeps started",
		logx.String("plan", s.cfg.Plan), logx.String("lease", s.cfg.Lease),
		logx.String("stacking", s.cfg.Stacking), logx.String("realloc", s.cfg.Realloc),
		logx.String("timeout", s.cfg.Timeout))
	return nil
}

// Stop halts the cron scheduler and waits for in-flight sweeps.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Trigger runs one sweep by name, reusing the same overlap guard as the
// scheduled runs.
func (s *Service) Trigger(ctx context.Context, name string) error {
	var fn func(context.Context) error
	switch name {
	case "plan":
		fn = s.PlanNew
	case "lease":
		fn = s.ReleaseExpired
	case "stacking":
		fn = s.PromoteStacking
	case "realloc":
		fn = s.Reallocate
	case "timeout":
		fn = s.SweepTimeouts
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSweep, name)
	}
	return s.runGuarded(ctx, name, fn)
}

func (s *Service) runGuarded(ctx context.Context, name string, fn func(context.Context) error) error {
	g := s.guards[name]
	if !g.CompareAndSwap(false, true) {
		s.log.Debug("sweep skipped (previous run still running)", logx.String("sweep", name))
		return nil
	}
	defer g.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked",
				logx.String("sweep", name), logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	err := fn(ctx)
	if err != nil {
		s.log.Warn("sweep failed", logx.String("sweep", name), logx.Err(err))
		return err
	}
	s.log.Debug("sweep done", logx.String("sweep", name), logx.Duration("took", time.Since(start)))
	return nil
}
