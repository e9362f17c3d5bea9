package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

// Publisher is notified after every committed write.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
}

// SnapshotRef points at a tournament state archived in object storage.
type SnapshotRef struct {
	Tournament types.TournamentID
	Version    int64
	ObjectPath string
	CreatedAt  time.Time
}

// Store persists tournament documents in Postgres and implements the
// version-guarded compare-and-set the sync protocol relies on.
type Store struct {
	pool       *pgxpool.Pool
	publisher  Publisher
	logger     zerolog.Logger
	maxRetries int
	retryDelay time.Duration
	pinCost    int

	publishTimeout time.Duration
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) StoreOption {
	return func(s *Store) {
		s.maxRetries = n
	}
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) StoreOption {
	return func(s *Store) {
		s.retryDelay = d
	}
}

// WithPublisher installs the push notifier called after each commit.
func WithPublisher(p Publisher) StoreOption {
	return func(s *Store) {
		s.publisher = p
	}
}

// WithPublishTimeout bounds how long a commit waits on the push notifier.
func WithPublishTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		s.publishTimeout = d
	}
}

// WithPINCost sets the bcrypt cost used to hash new capability secrets.
func WithPINCost(cost int) StoreOption {
	return func(s *Store) {
		s.pinCost = cost
	}
}

// NewStore constructs a Store using the provided Postgres pool.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		pool:       pool,
		logger:     logger,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		pinCost:    bcrypt.DefaultCost,

		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnsureTournament creates a tournament with an initial document. When the
// slug already exists the existing identifier is returned and nothing is
// written.
func (s *Store) EnsureTournament(ctx context.Context, slug, secret string, initial *types.TournamentDocument) (types.TournamentID, error) {
	if slug == "" {
		return "", errors.New("slug is required")
	}
	if secret == "" {
		return "", fmt.Errorf("create tournament: %w", types.ErrUnauthorized)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), s.pinCost)
	if err != nil {
		return "", fmt.Errorf("hash pin: %w", err)
	}

	doc := rules.NewDocument(time.Now())
	if initial != nil {
		doc = rules.EnsureShape(*initial, time.Now())
	}
	state, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal initial state: %w", err)
	}

	var id string
	err = s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		candidate := uuid.NewString()
		err = tx.QueryRow(ctx, `
INSERT INTO tournaments (id, slug, pin_hash)
VALUES ($1, $2, $3)
ON CONFLICT (slug) DO NOTHING
RETURNING id::text`, candidate, slug, hash).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Debug().Str("slug", slug).Msg("tournament already exists")
			return tx.QueryRow(ctx, `SELECT id::text FROM tournaments WHERE slug = $1`, slug).Scan(&id)
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO tournament_state (tournament_id, state, version)
VALUES ($1, $2, 0)`, id, state); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO tournament_history (tournament_id, version, state)
VALUES ($1, 0, $2)`, id, state); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return "", err
	}
	return types.TournamentID(id), nil
}

// ResolveSlug maps a slug to its tournament identifier.
func (s *Store) ResolveSlug(ctx context.Context, slug string) (types.TournamentID, error) {
	var id string
	err := s.pool.QueryRow(ctx, `SELECT id::text FROM tournaments WHERE slug = $1`, slug).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("tournament %q: %w", slug, types.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return types.TournamentID(id), nil
}

// Load returns the current snapshot of a tournament.
func (s *Store) Load(ctx context.Context, id types.TournamentID) (types.VersionedDocument, error) {
	var (
		raw     []byte
		version int64
	)
	err := s.pool.QueryRow(ctx, `
SELECT state, version FROM tournament_state WHERE tournament_id = $1`, id).Scan(&raw, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.VersionedDocument{}, fmt.Errorf("tournament %s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return types.VersionedDocument{}, err
	}
	return decodeVersioned(raw, version)
}

// CompareAndSet writes req.State when req.ExpectedVersion equals the stored
// version and the secret matches, bumping the version by one. The check and
// the write happen in one transaction holding a row lock.
func (s *Store) CompareAndSet(ctx context.Context, id types.TournamentID, req types.CASRequest) (types.CASResult, error) {
	ctx, span := storeTracer.Start(ctx, "store.CompareAndSet", trace.WithAttributes(
		attribute.String("tournament", string(id)),
		attribute.Int64("expected_version", req.ExpectedVersion),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		casLatency.WithLabelValues(string(id)).Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(req.State)
	if err != nil {
		return types.CASResult{}, fmt.Errorf("marshal state: %w", err)
	}

	var result types.CASResult
	err = s.retry(ctx, func(ctx context.Context) error {
		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var (
			current []byte
			version int64
			pinHash []byte
		)
		err = tx.QueryRow(ctx, `
SELECT s.state, s.version, t.pin_hash
FROM tournament_state s
JOIN tournaments t ON t.id = s.tournament_id
WHERE s.tournament_id = $1
FOR UPDATE OF s`, id).Scan(&current, &version, &pinHash)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("tournament %s: %w", id, types.ErrNotFound)
		}
		if err != nil {
			return err
		}

		if bcrypt.CompareHashAndPassword(pinHash, []byte(req.Secret)) != nil {
			result = types.CASResult{Status: types.CASUnauthorized}
			return nil
		}

		if version != req.ExpectedVersion {
			doc, err := decodeVersioned(current, version)
			if err != nil {
				return err
			}
			result = types.CASResult{Status: types.CASConflict, Current: doc}
			return nil
		}

		var next int64
		err = tx.QueryRow(ctx, `
UPDATE tournament_state
SET state = $1, version = version + 1, updated_at = now()
WHERE tournament_id = $2 AND version = $3
RETURNING version`, payload, id, req.ExpectedVersion).Scan(&next)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO tournament_history (tournament_id, version, state, device_id)
VALUES ($1, $2, $3, $4)`, id, next, payload, string(req.Device)); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = types.CASResult{Status: types.CASAccepted, Current: types.VersionedDocument{State: req.State, Version: next}}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		casTotal.WithLabelValues("error").Inc()
		return types.CASResult{}, err
	}

	casTotal.WithLabelValues(result.Status.String()).Inc()
	span.SetAttributes(attribute.String("outcome", result.Status.String()))

	if result.Status == types.CASAccepted {
		s.notify(ctx, types.Event{
			Tournament: id,
			Version:    result.Current.Version,
			State:      result.Current.State,
			Device:     req.Device,
		})
	}
	return result, nil
}

func (s *Store) notify(ctx context.Context, evt types.Event) {
	publish(ctx, s.publisher, s.publishTimeout, s.logger, evt)
}

const defaultPublishTimeout = 2 * time.Second

// publish hands evt to p without letting a slow or unreachable push backend
// hold up the commit reply. The write is already durable, so failures are
// only logged; watchers catch up on the next commit.
func publish(ctx context.Context, p Publisher, timeout time.Duration, logger zerolog.Logger, evt types.Event) {
	if p == nil {
		return
	}
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := p.Publish(ctx, evt); err != nil {
		pushFailures.Inc()
		logger.Warn().Err(err).Str("tournament", string(evt.Tournament)).Int64("version", evt.Version).Msg("push notification failed")
	}
}

// History returns the document as it was committed at version.
func (s *Store) History(ctx context.Context, id types.TournamentID, version int64) (types.VersionedDocument, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
SELECT state FROM tournament_history WHERE tournament_id = $1 AND version = $2`, id, version).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.VersionedDocument{}, fmt.Errorf("tournament %s version %d: %w", id, version, types.ErrNotFound)
	}
	if err != nil {
		return types.VersionedDocument{}, err
	}
	return decodeVersioned(raw, version)
}

// Versions returns the current version of every tournament.
func (s *Store) Versions(ctx context.Context) (map[types.TournamentID]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT tournament_id::text, version FROM tournament_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[types.TournamentID]int64)
	for rows.Next() {
		var (
			id      string
			version int64
		)
		if err := rows.Scan(&id, &version); err != nil {
			return nil, err
		}
		out[types.TournamentID(id)] = version
	}
	return out, rows.Err()
}

// LatestSnapshot returns the newest archived snapshot, or a zero ref.
func (s *Store) LatestSnapshot(ctx context.Context, id types.TournamentID) (SnapshotRef, error) {
	ref := SnapshotRef{Tournament: id}
	err := s.pool.QueryRow(ctx, `
SELECT version, object_path, created_at FROM tournament_snapshots
WHERE tournament_id = $1
ORDER BY version DESC
LIMIT 1`, id).Scan(&ref.Version, &ref.ObjectPath, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{Tournament: id}, nil
	}
	return ref, err
}

// SnapshotAt returns the snapshot archived for exactly version.
func (s *Store) SnapshotAt(ctx context.Context, id types.TournamentID, version int64) (SnapshotRef, error) {
	ref := SnapshotRef{Tournament: id, Version: version}
	err := s.pool.QueryRow(ctx, `
SELECT object_path, created_at FROM tournament_snapshots
WHERE tournament_id = $1 AND version = $2`, id, version).Scan(&ref.ObjectPath, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SnapshotRef{}, fmt.Errorf("snapshot %s@%d: %w", id, version, types.ErrNotFound)
	}
	return ref, err
}

// RecordSnapshot stores a snapshot reference.
func (s *Store) RecordSnapshot(ctx context.Context, ref SnapshotRef) error {
	return s.retry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
INSERT INTO tournament_snapshots (tournament_id, version, object_path, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (tournament_id, version)
DO UPDATE SET object_path = EXCLUDED.object_path, created_at = EXCLUDED.created_at`,
			ref.Tournament, ref.Version, ref.ObjectPath, ref.CreatedAt)
		return err
	})
}

// PruneHistory deletes history rows older than beforeVersion and reports how
// many were removed.
func (s *Store) PruneHistory(ctx context.Context, id types.TournamentID, beforeVersion int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
DELETE FROM tournament_history WHERE tournament_id = $1 AND version < $2`, id, beforeVersion)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func decodeVersioned(raw []byte, version int64) (types.VersionedDocument, error) {
	var doc types.TournamentDocument
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return types.VersionedDocument{}, fmt.Errorf("decode state: %w", err)
		}
	}
	return types.VersionedDocument{State: doc, Version: version}, nil
}

func (s *Store) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := s.retryDelay
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == s.maxRetries {
				return err
			}
			retriesTotal.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
