// Package maintenance runs the worker's periodic jobs: trimming idle
// browsers and the resource monitor.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
)

const (
	defaultPoolSpec    = "@every 5m"
	defaultMonitorSpec = "@every 30s"
	jobTimeout         = time.Minute
)

// PoolCleaner closes idle browsers beyond the warm minimum.
type PoolCleaner interface {
	CleanupIdle(ctx context.Context) (int, error)
}

// ResourceMonitor samples memory and reclaims stale bots under pressure.
type ResourceMonitor interface {
	CheckResources(ctx context.Context) int
}

// Scheduler owns the cron instance. Nil dependencies skip their job.
type Scheduler struct {
	pool    PoolCleaner
	monitor ResourceMonitor
	cron    *cron.Cron
	log     *zap.Logger

	poolSchedule    string
	monitorSchedule string
}

// Option customises the Scheduler.
type Option func(*Scheduler)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithPoolSchedule overrides the cron specification for idle browser cleanup.
func WithPoolSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.poolSchedule = spec
		}
	}
}

// WithMonitorSchedule overrides the cron specification for the resource monitor.
func WithMonitorSchedule(spec string) Option {
	return func(s *Scheduler) {
		if spec != "" {
			s.monitorSchedule = spec
		}
	}
}

// NewScheduler constructs a Scheduler with the default schedules.
func NewScheduler(pool PoolCleaner, monitor ResourceMonitor, opts ...Option) *Scheduler {
	s := &Scheduler{
		pool:            pool,
		monitor:         monitor,
		poolSchedule:    defaultPoolSpec,
		monitorSchedule: defaultMonitorSpec,
		log:             logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	return s
}

// Start registers the jobs and launches the scheduler.
func (s *Scheduler) Start() error {
	if s.pool == nil && s.monitor == nil {
		return nil
	}

	if s.pool != nil {
		if _, err := s.cron.AddFunc(s.poolSchedule, func() {
			if err := s.cleanupPool(context.Background()); err != nil {
				s.log.Warn("idle browser cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.monitor != nil {
		if _, err := s.cron.AddFunc(s.monitorSchedule, func() {
			s.checkResources(context.Background())
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info("maintenance scheduled",
		zap.String("pool", s.poolSchedule),
		zap.String("monitor", s.monitorSchedule),
	)
	return nil
}

// Stop halts the scheduler; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes every configured job sequentially.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error
	if s.pool != nil {
		errs = multierr.Append(errs, s.cleanupPool(ctx))
	}
	if s.monitor != nil {
		s.checkResources(ctx)
	}
	return errs
}

func (s *Scheduler) cleanupPool(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	closed, err := s.pool.CleanupIdle(ctx)
	if closed > 0 {
		s.log.Info("closed idle browsers", zap.Int("count", closed))
	}
	return err
}

func (s *Scheduler) checkResources(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	if reclaimed := s.monitor.CheckResources(ctx); reclaimed > 0 {
		s.log.Warn("reclaimed stale bots", zap.Int("count", reclaimed))
	}
}
