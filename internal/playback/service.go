package playback

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/snapshot"
	"github.com/example/volley-sync/internal/storage"
	"github.com/example/volley-sync/internal/types"
)

// Log provides the reads required to serve a tournament at a past version.
type Log interface {
	Load(ctx context.Context, id types.TournamentID) (types.VersionedDocument, error)
	History(ctx context.Context, id types.TournamentID, version int64) (types.VersionedDocument, error)
	SnapshotAt(ctx context.Context, id types.TournamentID, version int64) (storage.SnapshotRef, error)
}

// SnapshotLoader fetches snapshot payloads from object storage.
type SnapshotLoader interface {
	Load(ctx context.Context, bucket, objectPath string) ([]byte, error)
}

// ServiceConfig configures optional behaviours for playback.
type ServiceConfig struct {
	CacheSize int
}

// Service serves tournament documents as they were at a given version. The
// history table is consulted first; versions pruned from it are served from
// their object-storage snapshot when one exists.
type Service struct {
	log    Log
	bucket string
	loader SnapshotLoader
	cache  *stateCache
	logger zerolog.Logger
}

// NewService constructs a playback service. loader may be nil when no object
// storage is configured.
func NewService(log Log, bucket string, loader SnapshotLoader, logger zerolog.Logger, cfg ServiceConfig) *Service {
	cacheSize := cfg.CacheSize
	if cacheSize == 0 {
		cacheSize = 32
	}
	return &Service{
		log:    log,
		bucket: bucket,
		loader: loader,
		cache:  newStateCache(cacheSize),
		logger: logger,
	}
}

// StateAt returns the document committed at version.
func (s *Service) StateAt(ctx context.Context, id types.TournamentID, version int64) (types.VersionedDocument, error) {
	if id == "" {
		return types.VersionedDocument{}, errors.New("tournament id is required")
	}
	if version < 0 {
		return types.VersionedDocument{}, fmt.Errorf("version %d: %w", version, types.ErrNotFound)
	}

	if cached, ok := s.cache.Get(id, version); ok {
		playbackRequests.WithLabelValues("cache").Inc()
		return cached, nil
	}

	current, err := s.log.Load(ctx, id)
	if err != nil {
		return types.VersionedDocument{}, err
	}
	if version == current.Version {
		playbackRequests.WithLabelValues("current").Inc()
		return current, nil
	}
	if version > current.Version {
		return types.VersionedDocument{}, fmt.Errorf("tournament %s has no version %d yet: %w", id, version, types.ErrNotFound)
	}

	doc, err := s.log.History(ctx, id, version)
	switch {
	case err == nil:
		playbackRequests.WithLabelValues("history").Inc()
	case errors.Is(err, types.ErrNotFound):
		doc, err = s.fromSnapshot(ctx, id, version)
		if err != nil {
			return types.VersionedDocument{}, err
		}
		playbackRequests.WithLabelValues("snapshot").Inc()
	default:
		return types.VersionedDocument{}, fmt.Errorf("read history: %w", err)
	}

	s.cache.Put(id, doc)
	return doc, nil
}

func (s *Service) fromSnapshot(ctx context.Context, id types.TournamentID, version int64) (types.VersionedDocument, error) {
	ref, err := s.log.SnapshotAt(ctx, id, version)
	if err != nil {
		return types.VersionedDocument{}, fmt.Errorf("version %d of %s was pruned: %w", version, id, err)
	}
	if s.loader == nil {
		return types.VersionedDocument{}, errors.New("object storage is not configured")
	}

	data, err := s.loader.Load(ctx, s.bucket, ref.ObjectPath)
	if err != nil {
		return types.VersionedDocument{}, fmt.Errorf("load snapshot object: %w", err)
	}
	payload, err := snapshot.DecodePayload(data)
	if err != nil {
		return types.VersionedDocument{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if payload.Tournament != "" && payload.Tournament != id {
		s.logger.Warn().Str("tournament", string(id)).Str("snapshot_tournament", string(payload.Tournament)).Msg("snapshot tournament mismatch")
	}
	return types.VersionedDocument{State: payload.State, Version: ref.Version}, nil
}

// ObjectLoader fetches raw bytes from object storage.
type ObjectLoader struct {
	object *minio.Client
}

// NewObjectLoader creates a loader backed by MinIO/S3.
func NewObjectLoader(object *minio.Client) *ObjectLoader {
	return &ObjectLoader{object: object}
}

// Load implements SnapshotLoader.
func (l *ObjectLoader) Load(ctx context.Context, bucket, objectPath string) ([]byte, error) {
	if l.object == nil {
		return nil, errors.New("object storage client is not configured")
	}

	obj, err := l.object.GetObject(ctx, bucket, objectPath, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	return io.ReadAll(obj)
}

// MemoryLoader serves snapshot objects from a map.
type MemoryLoader struct {
	Objects map[string][]byte
}

// Load implements SnapshotLoader.
func (m MemoryLoader) Load(_ context.Context, _, objectPath string) ([]byte, error) {
	data, ok := m.Objects[objectPath]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", objectPath, types.ErrNotFound)
	}
	return data, nil
}
