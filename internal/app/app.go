// Package app assembles the process: configuration, logging, storage, the
// scheduling engine and the HTTP front, with live reload of the reloadable
// parts.
package app

import (
	"context"
	"fmt"
	"time"

	"resfarm/internal/catalog"
	"resfarm/internal/config"
	"resfarm/internal/engine"
	"resfarm/internal/httpapi"
	"resfarm/internal/legacy"
	"resfarm/internal/settings"
	"resfarm/internal/storage"
	logx "resfarm/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store    *storage.Store
	settings *settings.Service
	catalog  *catalog.Service
	engine   *engine.Service
	api      *httpapi.Server

	cfgSub   chan *config.Config
	watchCtx context.CancelFunc

	apiErr chan error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	set := settings.New(store, log)
	cat := catalog.New(store, log)

	mirror, err := legacy.New(cfg.Legacy, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	var engMirror engine.Mirror
	if mirror != nil {
		engMirror = mirror
	}

	eng := engine.New(store, cat, set, engMirror, cfg.Sweeps, log)

	api, err := httpapi.New(cfg.HTTP, eng, set, cat, log)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		store:    store,
		settings: set,
		catalog:  cat,
		engine:   eng,
		api:      api,
		apiErr:   make(chan error, 1),
	}, nil
}

// Start brings up the sweeps, the HTTP listener and the config watcher.
func (a *App) Start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	go func() {
		if err := a.api.Start(); err != nil {
			a.log.Error("http server failed", logx.Err(err))
			a.apiErr <- err
		}
	}()

	a.cfgSub = a.cfgm.Subscribe(1)
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCtx = cancel
	go func() { _ = a.cfgm.Watch(watchCtx) }()
	go a.applyLoop(watchCtx)

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

// Err reports a fatal HTTP listener failure, if any.
func (a *App) Err() <-chan error { return a.apiErr }

// applyLoop re-applies reloadable config on file change. Only logging is
// hot-swappable; storage, HTTP binding and sweep intervals need a restart,
// which is logged rather than silently ignored.
func (a *App) applyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgSub:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("config reloaded (logging applied; other sections need restart)")
		}
	}
}

// Stop shuts everything down in reverse order.
func (a *App) Stop(ctx context.Context) error {
	if a.watchCtx != nil {
		a.watchCtx()
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.api.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	a.engine.Stop()
	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}
