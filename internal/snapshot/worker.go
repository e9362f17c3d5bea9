package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/storage"
	"github.com/example/volley-sync/internal/types"
)

const (
	defaultInterval         = 15 * time.Second
	defaultVersionThreshold = int64(50)
	defaultRetain           = int64(200)
	defaultPruneSchedule    = "0 */10 * * * *"
)

// Payload is the JSON object written to object storage for one archived
// tournament state.
type Payload struct {
	Tournament types.TournamentID       `json:"tournament_id"`
	Version    int64                    `json:"version"`
	State      types.TournamentDocument `json:"state"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Log is the subset of the store the worker reads and writes.
type Log interface {
	Versions(ctx context.Context) (map[types.TournamentID]int64, error)
	Load(ctx context.Context, id types.TournamentID) (types.VersionedDocument, error)
	LatestSnapshot(ctx context.Context, id types.TournamentID) (storage.SnapshotRef, error)
	RecordSnapshot(ctx context.Context, ref storage.SnapshotRef) error
	PruneHistory(ctx context.Context, id types.TournamentID, beforeVersion int64) (int64, error)
}

// ObjectStore uploads snapshot objects. *minio.Client satisfies it.
type ObjectStore interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Config tunes the worker. Zero values select defaults.
type Config struct {
	Interval         time.Duration
	VersionThreshold int64
	Retain           int64
	PruneSchedule    string
}

// Worker periodically archives tournaments whose version moved far enough
// past their last snapshot, and on a cron schedule prunes history rows that
// are older than the retention window and already covered by a snapshot.
type Worker struct {
	log    Log
	object ObjectStore
	bucket string
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// NewWorker constructs a snapshot worker.
func NewWorker(log Log, object ObjectStore, bucket string, logger zerolog.Logger, cfg Config) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.VersionThreshold <= 0 {
		cfg.VersionThreshold = defaultVersionThreshold
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = defaultPruneSchedule
	}
	return &Worker{log: log, object: object, bucket: bucket, cfg: cfg, logger: logger, now: time.Now}
}

// Start launches the snapshot loop and the prune schedule. Both stop when ctx
// is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	scheduler := cron.New(cron.WithSeconds(), cron.WithLogger(cronLogger{w.logger}))
	if _, err := scheduler.AddFunc(w.cfg.PruneSchedule, func() { w.PruneOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule history pruning: %w", err)
	}
	scheduler.Start()

	go func() {
		w.loop(ctx)
		<-scheduler.Stop().Done()
	}()
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce inspects every tournament and archives the ones over threshold.
func (w *Worker) RunOnce(ctx context.Context) {
	versions, err := w.log.Versions(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("list tournament versions failed")
		return
	}
	for id, version := range versions {
		if err := w.processTournament(ctx, id, version); err != nil {
			w.logger.Error().Err(err).Str("tournament", string(id)).Msg("snapshot emission failed")
		}
	}
}

func (w *Worker) processTournament(ctx context.Context, id types.TournamentID, version int64) error {
	if w.object == nil {
		return errors.New("object storage client not configured")
	}

	latest, err := w.log.LatestSnapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("lookup latest snapshot: %w", err)
	}
	if version-latest.Version < w.cfg.VersionThreshold {
		return nil
	}

	doc, err := w.log.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	createdAt := w.now().UTC()
	data, err := json.Marshal(Payload{Tournament: id, Version: doc.Version, State: doc.State, CreatedAt: createdAt})
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := ObjectPath(id, doc.Version)
	if _, err := w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	ref := storage.SnapshotRef{Tournament: id, Version: doc.Version, ObjectPath: objectPath, CreatedAt: createdAt}
	if err := w.log.RecordSnapshot(ctx, ref); err != nil {
		return fmt.Errorf("persist snapshot ref: %w", err)
	}
	snapshotsTotal.Inc()

	w.logger.Info().Str("tournament", string(id)).Int64("version", doc.Version).Msg("snapshot created")
	return nil
}

// PruneOnce deletes history rows that are both older than the retention
// window and older than the newest snapshot.
func (w *Worker) PruneOnce(ctx context.Context) {
	versions, err := w.log.Versions(ctx)
	if err != nil {
		w.logger.Error().Err(err).Msg("list tournament versions failed")
		return
	}
	for id, version := range versions {
		latest, err := w.log.LatestSnapshot(ctx, id)
		if err != nil {
			w.logger.Error().Err(err).Str("tournament", string(id)).Msg("lookup latest snapshot failed")
			continue
		}
		cutoff := min(latest.Version, version-w.cfg.Retain)
		if cutoff <= 0 {
			continue
		}
		removed, err := w.log.PruneHistory(ctx, id, cutoff)
		if err != nil {
			w.logger.Error().Err(err).Str("tournament", string(id)).Msg("prune history failed")
			continue
		}
		prunedTotal.Add(float64(removed))
		if removed > 0 {
			w.logger.Info().Str("tournament", string(id)).Int64("before", cutoff).Int64("removed", removed).Msg("history pruned")
		}
	}
}

// ObjectPath is where the snapshot of id at version is stored.
func ObjectPath(id types.TournamentID, version int64) string {
	return fmt.Sprintf("snapshots/%s/%020d.json", id, version)
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
