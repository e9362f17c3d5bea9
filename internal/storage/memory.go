package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

type memoryTournament struct {
	slug    string
	pinHash []byte
	current types.VersionedDocument
	history map[int64]types.TournamentDocument
}

// MemoryStore is an in-process Store used for local development and tests.
// Documents are copied on the way in and out so callers never share memory
// with the store.
type MemoryStore struct {
	mu          sync.Mutex
	slugs       map[string]types.TournamentID
	tournaments map[types.TournamentID]*memoryTournament
	snapshots   map[types.TournamentID][]SnapshotRef
	publisher   Publisher
	logger      zerolog.Logger
	timeout     time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryLogger sets the logger used to report failed push notifications.
func WithMemoryLogger(logger zerolog.Logger) MemoryOption {
	return func(m *MemoryStore) {
		m.logger = logger
	}
}

// WithMemoryPublishTimeout bounds how long a commit waits on the publisher.
func WithMemoryPublishTimeout(d time.Duration) MemoryOption {
	return func(m *MemoryStore) {
		m.timeout = d
	}
}

// NewMemoryStore creates an empty store. A nil publisher disables push events.
func NewMemoryStore(publisher Publisher, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		slugs:       make(map[string]types.TournamentID),
		tournaments: make(map[types.TournamentID]*memoryTournament),
		snapshots:   make(map[types.TournamentID][]SnapshotRef),
		publisher:   publisher,
		logger:      zerolog.Nop(),
		timeout:     defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// EnsureTournament implements the idempotent create.
func (m *MemoryStore) EnsureTournament(_ context.Context, slug, secret string, initial *types.TournamentDocument) (types.TournamentID, error) {
	if slug == "" {
		return "", errors.New("slug is required")
	}
	if secret == "" {
		return "", fmt.Errorf("create tournament: %w", types.ErrUnauthorized)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.slugs[slug]; ok {
		return id, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}
	doc := rules.NewDocument(time.Now())
	if initial != nil {
		doc = rules.EnsureShape(*initial, time.Now())
	}

	id := types.TournamentID(uuid.NewString())
	m.slugs[slug] = id
	m.tournaments[id] = &memoryTournament{
		slug:    slug,
		pinHash: hash,
		current: types.VersionedDocument{State: doc, Version: 0},
		history: map[int64]types.TournamentDocument{0: doc.Clone()},
	}
	return id, nil
}

// ResolveSlug maps a slug to its identifier.
func (m *MemoryStore) ResolveSlug(_ context.Context, slug string) (types.TournamentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.slugs[slug]
	if !ok {
		return "", fmt.Errorf("tournament %q: %w", slug, types.ErrNotFound)
	}
	return id, nil
}

// Load returns a copy of the current document.
func (m *MemoryStore) Load(_ context.Context, id types.TournamentID) (types.VersionedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tournaments[id]
	if !ok {
		return types.VersionedDocument{}, fmt.Errorf("tournament %s: %w", id, types.ErrNotFound)
	}
	return t.current.Clone(), nil
}

// CompareAndSet checks the secret and version and writes under one lock.
func (m *MemoryStore) CompareAndSet(ctx context.Context, id types.TournamentID, req types.CASRequest) (types.CASResult, error) {
	m.mu.Lock()
	t, ok := m.tournaments[id]
	if !ok {
		m.mu.Unlock()
		return types.CASResult{}, fmt.Errorf("tournament %s: %w", id, types.ErrNotFound)
	}
	if bcrypt.CompareHashAndPassword(t.pinHash, []byte(req.Secret)) != nil {
		m.mu.Unlock()
		return types.CASResult{Status: types.CASUnauthorized}, nil
	}
	if t.current.Version != req.ExpectedVersion {
		current := t.current.Clone()
		m.mu.Unlock()
		return types.CASResult{Status: types.CASConflict, Current: current}, nil
	}

	t.current = types.VersionedDocument{State: req.State.Clone(), Version: t.current.Version + 1}
	t.history[t.current.Version] = req.State.Clone()
	written := t.current.Clone()
	m.mu.Unlock()

	publish(ctx, m.publisher, m.timeout, m.logger, types.Event{Tournament: id, Version: written.Version, State: written.State.Clone(), Device: req.Device})
	return types.CASResult{Status: types.CASAccepted, Current: written}, nil
}

// History returns the document committed at version.
func (m *MemoryStore) History(_ context.Context, id types.TournamentID, version int64) (types.VersionedDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tournaments[id]
	if !ok {
		return types.VersionedDocument{}, fmt.Errorf("tournament %s: %w", id, types.ErrNotFound)
	}
	doc, ok := t.history[version]
	if !ok {
		return types.VersionedDocument{}, fmt.Errorf("tournament %s version %d: %w", id, version, types.ErrNotFound)
	}
	return types.VersionedDocument{State: doc.Clone(), Version: version}, nil
}

// Versions returns the current version of every tournament.
func (m *MemoryStore) Versions(context.Context) (map[types.TournamentID]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[types.TournamentID]int64, len(m.tournaments))
	for id, t := range m.tournaments {
		out[id] = t.current.Version
	}
	return out, nil
}

// LatestSnapshot returns the newest snapshot reference, or a zero ref.
func (m *MemoryStore) LatestSnapshot(_ context.Context, id types.TournamentID) (SnapshotRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.snapshots[id]
	if len(refs) == 0 {
		return SnapshotRef{Tournament: id}, nil
	}
	return refs[len(refs)-1], nil
}

// SnapshotAt returns the snapshot archived for exactly version.
func (m *MemoryStore) SnapshotAt(_ context.Context, id types.TournamentID, version int64) (SnapshotRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range m.snapshots[id] {
		if ref.Version == version {
			return ref, nil
		}
	}
	return SnapshotRef{}, fmt.Errorf("snapshot %s@%d: %w", id, version, types.ErrNotFound)
}

// RecordSnapshot stores a snapshot reference, keeping references ordered.
func (m *MemoryStore) RecordSnapshot(_ context.Context, ref SnapshotRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.snapshots[ref.Tournament]
	for i := range refs {
		if refs[i].Version == ref.Version {
			refs[i] = ref
			return nil
		}
	}
	refs = append(refs, ref)
	sort.Slice(refs, func(i, j int) bool { return refs[i].Version < refs[j].Version })
	m.snapshots[ref.Tournament] = refs
	return nil
}

// PruneHistory deletes history entries older than beforeVersion.
func (m *MemoryStore) PruneHistory(_ context.Context, id types.TournamentID, beforeVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tournaments[id]
	if !ok {
		return 0, nil
	}
	var removed int64
	for v := range t.history {
		if v < beforeVersion {
			delete(t.history, v)
			removed++
		}
	}
	return removed, nil
}
