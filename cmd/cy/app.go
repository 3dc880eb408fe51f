package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	gcs "cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"github.com/zulandar/chunkyard/internal/config"
	"github.com/zulandar/chunkyard/internal/db"
	"github.com/zulandar/chunkyard/internal/fleet"
	"github.com/zulandar/chunkyard/internal/logging"
	"github.com/zulandar/chunkyard/internal/orchestrator"
	"github.com/zulandar/chunkyard/internal/splitter"
	"github.com/zulandar/chunkyard/internal/status"
	"github.com/zulandar/chunkyard/internal/storage"
	"go.uber.org/zap"
)

// app bundles the collaborators built from one config file.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	store   status.Store
	objects storage.Store
	orch    *orchestrator.Orchestrator
	closers []func() error
}

// loadConfig reads path. A missing file at the default path falls back to
// defaults plus environment overrides.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		return config.Parse(nil)
	}
	return nil, fmt.Errorf("load config: %w", err)
}

// newApp wires the status store, object store, fleet and splitter into an
// orchestrator. Monitors are not started.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if a.store, err = a.openStatusStore(); err != nil {
		a.Close()
		return nil, err
	}
	if a.objects, err = a.openObjectStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	var resizer fleet.Resizer
	if cfg.Fleet.Group != "" {
		resizer = fleet.GcloudResizer{Group: cfg.Fleet.Group, Zone: cfg.Fleet.Zone}
	}
	a.orch, err = orchestrator.New(orchestrator.Opts{
		Store:   a.store,
		Objects: a.objects,
		Fleet: fleet.New(fleet.Opts{
			Resizer:     resizer,
			MaxSize:     cfg.Fleet.MaxSize,
			MinInterval: cfg.Fleet.MinInterval,
			Logger:      log.Named("fleet"),
		}),
		Splitter: splitter.NewClient(cfg.Splitter.URL, cfg.Splitter.Timeout),
		Config:   cfg,
		Logger:   log.Named("orchestrator"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStatusStore() (status.Store, error) {
	switch a.cfg.Store.Backend {
	case "db":
		gormDB, err := db.Connect(a.cfg.Store.Database)
		if err != nil {
			return nil, err
		}
		if err := db.AutoMigrate(gormDB); err != nil {
			return nil, err
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		return status.NewDBStore(gormDB, a.cfg.Retention.Active), nil
	default:
		r := a.cfg.Store.Redis
		client := goredis.NewClient(&goredis.Options{Addr: r.Addr(), Password: r.Password, DB: r.DB})
		a.closers = append(a.closers, client.Close)
		return status.NewRedisStore(client, a.cfg.Retention.Active), nil
	}
}

func (a *app) openObjectStore(ctx context.Context) (storage.Store, error) {
	switch a.cfg.Storage.Backend {
	case "fs":
		return storage.NewFSStore(a.cfg.Storage.Root)
	default:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return storage.NewGCSStore(client, a.cfg.Storage.Bucket), nil
	}
}

// Close stops monitors and releases connections.
func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
		a.orch.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close", zap.Error(err))
		}
	}
	a.log.Sync()
}
