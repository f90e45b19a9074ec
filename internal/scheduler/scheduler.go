// Package scheduler drives the reconciliation engine: a fixed-delay,
// single-flight polling loop, plus cron-scheduled side jobs (daily digest).
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"hnwatch/pkg/logx"
)

type Config struct {
	// Interval is the fixed delay between the end of one cycle and the
	// start of the next.
	Interval time.Duration
}

type Service struct {
	log logx.Logger

	mu       sync.Mutex
	interval time.Duration
	ctx      context.Context

	c *cron.Cron
}

func New(cfg Config, log logx.Logger) *Service {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Service{
		log:      log,
		interval: interval,
		c:        cron.New(cron.WithParser(parser)),
	}
}

// SetInterval applies a new fixed delay; it takes effect at the next sleep.
func (s *Service) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// AddCron registers a side job. Jobs start running once Run is called and
// share its context.
func (s *Service) AddCron(name, spec string, job func(ctx context.Context) error) error {
	_, err := s.c.AddFunc(spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil || ctx.Err() != nil {
			return
		}
		if err := job(ctx); err != nil {
			s.log.Warn("scheduled job failed", logx.String("job", name), logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: add %s: %w", name, err)
	}
	return nil
}

// Run blocks: it executes cycle immediately, then again after each fixed
// delay, until ctx is cancelled. Cycles never overlap. A cycle error (or
// panic) is logged and counts as no progress; the loop keeps ticking.
func (s *Service) Run(ctx context.Context, cycle func(ctx context.Context) error) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.c.Start()
	defer func() { <-s.c.Stop().Done() }()

	for {
		s.runOnce(ctx, cycle)

		if ctx.Err() != nil {
			s.log.Info("scheduler stopping")
			return
		}
		s.mu.Lock()
		interval := s.interval
		s.mu.Unlock()

		tmr := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			s.log.Info("scheduler stopping")
			return
		case <-tmr.C:
		}
	}
}

func (s *Service) runOnce(ctx context.Context, cycle func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("cycle panicked",
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	start := time.Now()
	if err := cycle(ctx); err != nil {
		if ctx.Err() != nil {
			s.log.Info("cycle interrupted by shutdown")
			return
		}
		s.log.Warn("cycle failed", logx.Err(err), logx.Duration("dur", time.Since(start)))
		return
	}
	s.log.Debug("cycle completed", logx.Duration("dur", time.Since(start)))
}
