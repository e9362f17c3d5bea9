package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/api"
	"github.com/example/volley-sync/internal/broadcast"
	"github.com/example/volley-sync/internal/config"
	"github.com/example/volley-sync/internal/playback"
	"github.com/example/volley-sync/internal/snapshot"
	"github.com/example/volley-sync/internal/storage"
	syncstate "github.com/example/volley-sync/internal/sync"
	"github.com/example/volley-sync/internal/ws"
)

type backend struct {
	store   syncstate.Store
	history api.History
	health  api.HealthFunc
	close   func()
}

// newDurableBackend stores tournaments in Postgres, fans commits out through
// Redis to every instance and archives history to object storage.
func newDurableBackend(ctx context.Context, cfg config.Config, registry *ws.ConnectionRegistry, logger zerolog.Logger) (*backend, error) {
	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(ctx, resources.Postgres); err != nil {
		resources.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	channel := broadcast.NewChannel(resources.Redis, logger)
	store := storage.NewStore(resources.Postgres, logger,
		storage.WithPINCost(cfg.PINCost),
		storage.WithPublisher(channel),
	)

	broadcast.NewRelay(resources.Redis, registry, logger).Start(ctx)

	worker := snapshot.NewWorker(store, resources.Object, cfg.ObjectBucket, logger, snapshot.Config{
		Interval:         cfg.SnapshotInterval,
		VersionThreshold: cfg.SnapshotThreshold,
		Retain:           cfg.HistoryRetain,
		PruneSchedule:    cfg.PruneSchedule,
	})
	if err := worker.Start(ctx); err != nil {
		resources.Close()
		return nil, err
	}

	history := playback.NewService(store, cfg.ObjectBucket, playback.NewObjectLoader(resources.Object), logger, playback.ServiceConfig{})
	return &backend{
		store:   store,
		history: history,
		health:  resources.HealthCheck,
		close:   resources.Close,
	}, nil
}

// newMemoryBackend keeps everything in process and pushes commits straight to
// the local websocket registry.
func newMemoryBackend(registry *ws.ConnectionRegistry, logger zerolog.Logger) *backend {
	store := storage.NewMemoryStore(broadcast.Direct{Fanout: registry}, storage.WithMemoryLogger(logger))
	history := playback.NewService(store, "", playback.MemoryLoader{}, logger, playback.ServiceConfig{})
	return &backend{
		store:   store,
		history: history,
		close:   func() {},
	}
}
