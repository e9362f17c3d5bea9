package snapshot

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/storage"
	"github.com/example/volley-sync/internal/types"
)

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjects) PutObject(_ context.Context, _, objectName string, reader io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[objectName] = data
	return minio.UploadInfo{Key: objectName, Size: int64(len(data))}, nil
}

func commitVersions(t *testing.T, store *storage.MemoryStore, id types.TournamentID, n int) {
	t.Helper()
	ctx := context.Background()
	doc, err := store.Load(ctx, id)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		next, _ := rules.AddTeam(doc.State, types.Team{Name: "T", Group: "A"})
		res, err := store.CompareAndSet(ctx, id, types.CASRequest{State: next, ExpectedVersion: doc.Version, Secret: "1234"})
		require.NoError(t, err)
		require.Equal(t, types.CASAccepted, res.Status)
		doc = res.Current
	}
}

func TestWorkerArchivesPastThreshold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	id, err := store.EnsureTournament(ctx, "cup", "1234", nil)
	require.NoError(t, err)

	objects := &fakeObjects{}
	worker := NewWorker(store, objects, "bucket", zerolog.New(io.Discard), Config{VersionThreshold: 3, Retain: 1})

	commitVersions(t, store, id, 2)
	worker.RunOnce(ctx)
	assert.Empty(t, objects.objects)

	commitVersions(t, store, id, 2)
	worker.RunOnce(ctx)

	ref, err := store.LatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(4), ref.Version)
	require.Contains(t, objects.objects, ObjectPath(id, 4))

	payload, err := DecodePayload(objects.objects[ObjectPath(id, 4)])
	require.NoError(t, err)
	assert.Equal(t, id, payload.Tournament)
	assert.Len(t, payload.State.Teams, 4)

	worker.RunOnce(ctx)
	assert.Len(t, objects.objects, 1)
}

func TestWorkerPrunesOnlyArchivedHistory(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(nil)
	id, err := store.EnsureTournament(ctx, "cup", "1234", nil)
	require.NoError(t, err)
	commitVersions(t, store, id, 6)

	worker := NewWorker(store, &fakeObjects{}, "bucket", zerolog.New(io.Discard), Config{Retain: 2})

	worker.PruneOnce(ctx)
	_, err = store.History(ctx, id, 0)
	require.NoError(t, err, "nothing is pruned before a snapshot exists")

	require.NoError(t, store.RecordSnapshot(ctx, storage.SnapshotRef{Tournament: id, Version: 5, ObjectPath: ObjectPath(id, 5), CreatedAt: time.Now()}))
	worker.PruneOnce(ctx)

	_, err = store.History(ctx, id, 3)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = store.History(ctx, id, 4)
	assert.NoError(t, err)
}

func TestWorkerStartRejectsBadSchedule(t *testing.T) {
	worker := NewWorker(storage.NewMemoryStore(nil), &fakeObjects{}, "bucket", zerolog.New(io.Discard), Config{PruneSchedule: "not a schedule"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, worker.Start(ctx))
}
