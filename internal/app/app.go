// Package app wires configuration, storage, clients, and the scheduler
// into a runnable watcher process.
package app

import (
	"context"
	"fmt"

	"hnwatch/internal/config"
	"hnwatch/internal/digest"
	"hnwatch/internal/hn"
	"hnwatch/internal/reconcile"
	"hnwatch/internal/retry"
	"hnwatch/internal/scheduler"
	"hnwatch/internal/sdnotify"
	"hnwatch/internal/storage"
	"hnwatch/internal/telegram"
	"hnwatch/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store  storage.Store
	engine *reconcile.Engine
	sched  *scheduler.Service
}

// New loads configuration and constructs every component. Configuration
// problems (missing settings, bad credential) fail here, before anything
// starts.
func New(cfgPath string) (*App, error) {
	boot := logx.NewConsole("info")

	mgr := config.NewManager(cfgPath, boot)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: true,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FilePath != "",
			Path:    cfg.Logging.FilePath,
		},
	})

	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open state db: %w", err)
	}

	policy := retry.Defaults()
	client := hn.New(hn.Config{
		BaseURL:    cfg.HN.BaseURL,
		RatePerSec: cfg.HN.RatePerSec,
	}, policy, log.With(logx.String("comp", "hn")))

	sink, err := telegram.New(telegram.Config{
		Token:  cfg.Telegram.Token,
		ChatID: cfg.Telegram.ChatID,
	}, policy, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	engine := reconcile.New(reconcile.Config{Username: cfg.Username}, client, sink, store,
		log.With(logx.String("comp", "reconcile")))

	sched := scheduler.New(scheduler.Config{Interval: cfg.Interval()},
		log.With(logx.String("comp", "scheduler")))

	if cfg.Digest.Enabled {
		dg := digest.New(store, sink, log.With(logx.String("comp", "digest")))
		if err := sched.AddCron("daily-digest", cfg.Digest.Cron, dg.Send); err != nil {
			_ = store.Close()
			_ = logSvc.Close()
			return nil, err
		}
	}

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		engine: engine,
		sched:  sched,
	}, nil
}

// Run blocks until ctx is cancelled, then shuts down cleanly.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfgMgr.Get()
	a.log.Info("starting",
		logx.String("user", cfg.Username),
		logx.Duration("interval", cfg.Interval()),
		logx.String("db", cfg.Storage.Path))

	go func() {
		if err := a.cfgMgr.Watch(ctx, a.applyConfig); err != nil {
			a.log.Warn("config watch unavailable", logx.Err(err))
		}
	}()
	go sdnotify.Watchdog(ctx, a.log)

	sdnotify.Ready(a.log)
	a.sched.Run(ctx, a.cycle)
	sdnotify.Stopping(a.log)

	a.log.Info("stopped")
	err := a.store.Close()
	_ = a.logSvc.Close()
	return err
}

func (a *App) cycle(ctx context.Context) error {
	stats, err := a.engine.RunCycle(ctx)
	if err != nil {
		return err
	}
	if stats.Baseline {
		a.log.Info("baseline cycle complete", logx.Int("items", stats.Items))
		return nil
	}
	a.log.Info("cycle complete",
		logx.Int("items", stats.Items),
		logx.Int("skipped", stats.SkippedItems),
		logx.Int("new", stats.NewKids),
		logx.Int("notified", stats.Notified),
		logx.Int("pruned", stats.Pruned))
	return nil
}

// applyConfig picks up the live tunables from a reloaded config file.
// Identity and credential changes still need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: true,
		File: logx.FileConfig{
			Enabled: cfg.Logging.FilePath != "",
			Path:    cfg.Logging.FilePath,
		},
	})
	a.sched.SetInterval(cfg.Interval())
	a.log.Info("applied config",
		logx.String("level", cfg.Logging.Level),
		logx.Duration("interval", cfg.Interval()))
}
