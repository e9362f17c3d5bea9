package storage

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt types.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func newSeededStore(t *testing.T, pub Publisher) (*MemoryStore, types.TournamentID) {
	t.Helper()
	store := NewMemoryStore(pub)
	id, err := store.EnsureTournament(context.Background(), "cup", "1234", nil)
	require.NoError(t, err)
	return store, id
}

func TestMemoryEnsureTournamentIgnoresExistingSlug(t *testing.T) {
	store, id := newSeededStore(t, nil)
	ctx := context.Background()

	doc := rules.NewDocument(time.Now())
	doc, _ = rules.AddTeam(doc, types.Team{Name: "Orły", Group: "A"})
	again, err := store.EnsureTournament(ctx, "cup", "other", &doc)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	current, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(0), current.Version)
	assert.Empty(t, current.State.Teams)

	resolved, err := store.ResolveSlug(ctx, "cup")
	require.NoError(t, err)
	assert.Equal(t, id, resolved)

	_, err = store.ResolveSlug(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMemoryCompareAndSet(t *testing.T) {
	pub := &recordingPublisher{}
	store, id := newSeededStore(t, pub)
	ctx := context.Background()

	current, err := store.Load(ctx, id)
	require.NoError(t, err)
	next, _ := rules.AddTeam(current.State, types.Team{Name: "Orły", Group: "A"})

	res, err := store.CompareAndSet(ctx, id, types.CASRequest{State: next, ExpectedVersion: 0, Secret: "1234", Device: "dev_a"})
	require.NoError(t, err)
	require.Equal(t, types.CASAccepted, res.Status)
	assert.Equal(t, int64(1), res.Current.Version)

	stale, _ := rules.AddTeam(current.State, types.Team{Name: "Sokoły", Group: "B"})
	res, err = store.CompareAndSet(ctx, id, types.CASRequest{State: stale, ExpectedVersion: 0, Secret: "1234"})
	require.NoError(t, err)
	require.Equal(t, types.CASConflict, res.Status)
	assert.Equal(t, int64(1), res.Current.Version)
	require.Len(t, res.Current.State.Teams, 1)
	assert.Equal(t, "Orły", res.Current.State.Teams[0].Name)

	res, err = store.CompareAndSet(ctx, id, types.CASRequest{State: stale, ExpectedVersion: 1, Secret: "wrong"})
	require.NoError(t, err)
	assert.Equal(t, types.CASUnauthorized, res.Status)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	assert.Equal(t, int64(1), pub.events[0].Version)
	assert.Equal(t, types.DeviceID("dev_a"), pub.events[0].Device)
}

func TestMemoryCompareAndSetSingleWinner(t *testing.T) {
	store, id := newSeededStore(t, nil)
	ctx := context.Background()
	base, err := store.Load(ctx, id)
	require.NoError(t, err)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.CompareAndSet(ctx, id, types.CASRequest{State: base.State, ExpectedVersion: base.Version, Secret: "1234"})
			if err == nil && res.Status == types.CASAccepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	current, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
}

func TestMemoryLoadDoesNotAlias(t *testing.T) {
	store, id := newSeededStore(t, nil)
	ctx := context.Background()

	first, err := store.Load(ctx, id)
	require.NoError(t, err)
	first.State.Teams = append(first.State.Teams, types.Team{ID: "x", Name: "leak"})

	second, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, second.State.Teams)
}

func TestMemoryHistoryAndSnapshots(t *testing.T) {
	store, id := newSeededStore(t, nil)
	ctx := context.Background()

	doc, err := store.Load(ctx, id)
	require.NoError(t, err)
	for v := int64(0); v < 3; v++ {
		next, _ := rules.AddTeam(doc.State, types.Team{Name: "T", Group: "A"})
		res, err := store.CompareAndSet(ctx, id, types.CASRequest{State: next, ExpectedVersion: v, Secret: "1234"})
		require.NoError(t, err)
		doc = res.Current
	}

	at2, err := store.History(ctx, id, 2)
	require.NoError(t, err)
	assert.Len(t, at2.State.Teams, 2)

	require.NoError(t, store.RecordSnapshot(ctx, SnapshotRef{Tournament: id, Version: 2, ObjectPath: "t/2.json"}))
	latest, err := store.LatestSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Version)

	removed, err := store.PruneHistory(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	_, err = store.History(ctx, id, 1)
	assert.ErrorIs(t, err, types.ErrNotFound)

	versions, err := store.Versions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), versions[id])
}

// blockingPublisher never completes until its context ends.
type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ types.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestMemoryCompareAndSetDoesNotWaitOnPush(t *testing.T) {
	var logs bytes.Buffer
	store := NewMemoryStore(blockingPublisher{},
		WithMemoryLogger(zerolog.New(&logs)),
		WithMemoryPublishTimeout(20*time.Millisecond),
	)
	ctx := context.Background()
	id, err := store.EnsureTournament(ctx, "cup", "1234", nil)
	require.NoError(t, err)

	start := time.Now()
	res, err := store.CompareAndSet(ctx, id, types.CASRequest{State: rules.NewDocument(time.Now()), ExpectedVersion: 0, Secret: "1234"})
	require.NoError(t, err)
	assert.Equal(t, types.CASAccepted, res.Status)
	assert.Less(t, time.Since(start), time.Second)
	assert.Contains(t, logs.String(), "push notification failed")

	current, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), current.Version)
}
