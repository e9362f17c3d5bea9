package syncstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/rules"
	"github.com/example/volley-sync/internal/types"
)

// Store is the durable, atomically updatable document store the session
// writes through.
type Store interface {
	ResolveSlug(ctx context.Context, slug string) (types.TournamentID, error)
	Load(ctx context.Context, id types.TournamentID) (types.VersionedDocument, error)
	CompareAndSet(ctx context.Context, id types.TournamentID, req types.CASRequest) (types.CASResult, error)
	EnsureTournament(ctx context.Context, slug, secret string, initial *types.TournamentDocument) (types.TournamentID, error)
}

// PushChannel delivers an Event for every committed write of a tournament.
// The returned cancel function releases the subscription and must be safe to
// call more than once.
type PushChannel interface {
	Subscribe(ctx context.Context, id types.TournamentID, handler func(types.Event)) (cancel func(), err error)
}

// Baseline is the last state the session knows to be authoritative.
type Baseline struct {
	Tournament types.TournamentID
	Slug       string
	Version    int64
	State      types.TournamentDocument
}

// CommitResult is the outcome of Commit. When Conflict is true, State and
// Version carry the store's current document and the caller must recompute
// its change against it before committing again.
type CommitResult struct {
	Accepted bool
	Conflict bool
	State    types.TournamentDocument
	Version  int64
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used to normalize documents.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithDevice records the device identifier sent along with commits.
func WithDevice(id types.DeviceID) Option {
	return func(s *Session) {
		s.device = id
	}
}

// Session is one client's view of a tournament: an unbound session becomes
// bound by LoadState and from then on tracks a baseline version and state.
// A Session is safe for concurrent use; push events arrive on the channel's
// goroutine.
type Session struct {
	store  Store
	push   PushChannel
	logger zerolog.Logger
	now    func() time.Time
	device types.DeviceID

	mu       sync.Mutex
	bound    bool
	baseline Baseline
	secret   string
	cancel   func()
	subGen   uint64
}

// NewSession constructs an unbound session.
func NewSession(store Store, push PushChannel, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		store:  store,
		push:   push,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Device returns the device identifier attached to commits.
func (s *Session) Device() types.DeviceID { return s.device }

// SetSecret stores the capability secret used to authorize commits.
func (s *Session) SetSecret(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secret = secret
}

// Current returns the baseline and whether the session is bound.
func (s *Session) Current() (Baseline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return Baseline{}, false
	}
	b := s.baseline
	b.State = b.State.Clone()
	return b, true
}

// Resolve maps a slug to its tournament identifier.
func (s *Session) Resolve(ctx context.Context, slug string) (types.TournamentID, error) {
	id, err := s.store.ResolveSlug(ctx, slug)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", slug, err)
	}
	if id == "" {
		return "", fmt.Errorf("resolve %q: %w", slug, types.ErrNotFound)
	}
	return id, nil
}

// EnsureTournament creates the tournament for slug unless it already exists.
func (s *Session) EnsureTournament(ctx context.Context, slug, secret string, initial *types.TournamentDocument) (types.TournamentID, error) {
	if initial != nil {
		shaped := rules.EnsureShape(*initial, s.now())
		initial = &shaped
	}
	id, err := s.store.EnsureTournament(ctx, slug, secret, initial)
	if err != nil {
		return "", fmt.Errorf("ensure tournament %q: %w", slug, err)
	}
	return id, nil
}

// LoadState binds the session to slug and fetches the current snapshot. Any
// subscription to a previously bound tournament is released.
func (s *Session) LoadState(ctx context.Context, slug string) (types.VersionedDocument, error) {
	id, err := s.Resolve(ctx, slug)
	if err != nil {
		return types.VersionedDocument{}, err
	}
	doc, err := s.store.Load(ctx, id)
	if err != nil {
		return types.VersionedDocument{}, fmt.Errorf("load %q: %w", slug, err)
	}
	doc.State = rules.EnsureShape(doc.State, s.now())

	s.mu.Lock()
	var stale func()
	if s.bound && s.baseline.Tournament != id {
		stale = s.cancel
		s.cancel = nil
		s.subGen++
	}
	s.bound = true
	s.baseline = Baseline{Tournament: id, Slug: slug, Version: doc.Version, State: doc.State.Clone()}
	s.mu.Unlock()

	if stale != nil {
		stale()
	}
	s.logger.Debug().Str("tournament", string(id)).Int64("version", doc.Version).Msg("state loaded")
	return doc, nil
}

// Commit writes state if nobody else has committed since the baseline. On
// acceptance the baseline advances. On conflict the baseline moves to the
// store's current document, which is returned to the caller; nothing is
// merged. A missing or rejected secret yields types.ErrUnauthorized.
func (s *Session) Commit(ctx context.Context, state types.TournamentDocument) (CommitResult, error) {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return CommitResult{}, types.ErrNotBound
	}
	id := s.baseline.Tournament
	expected := s.baseline.Version
	secret := s.secret
	s.mu.Unlock()

	if secret == "" {
		commitsTotal.WithLabelValues("unauthorized").Inc()
		return CommitResult{}, fmt.Errorf("commit: capability secret not set: %w", types.ErrUnauthorized)
	}

	payload := rules.EnsureShape(state, s.now())
	res, err := s.store.CompareAndSet(ctx, id, types.CASRequest{
		State:           payload,
		ExpectedVersion: expected,
		Secret:          secret,
		Device:          s.device,
	})
	if err != nil {
		commitsTotal.WithLabelValues("error").Inc()
		return CommitResult{}, types.Transport("commit", err)
	}

	switch res.Status {
	case types.CASAccepted:
		commitsTotal.WithLabelValues("accepted").Inc()
		current := s.advance(id, res.Current)
		s.logger.Debug().Str("tournament", string(id)).Int64("version", current.Version).Msg("commit accepted")
		return CommitResult{Accepted: true, State: current.State, Version: current.Version}, nil
	case types.CASConflict:
		commitsTotal.WithLabelValues("conflict").Inc()
		current := s.advance(id, res.Current)
		s.logger.Info().
			Str("tournament", string(id)).
			Int64("expected", expected).
			Int64("current", current.Version).
			Msg("commit rejected: version conflict")
		return CommitResult{Conflict: true, State: current.State, Version: current.Version}, nil
	case types.CASUnauthorized:
		commitsTotal.WithLabelValues("unauthorized").Inc()
		return CommitResult{}, fmt.Errorf("commit: %w", types.ErrUnauthorized)
	default:
		return CommitResult{}, fmt.Errorf("commit: unexpected store status %s", res.Status)
	}
}

// advance replaces the baseline with doc unless the session has since been
// rebound or already holds a newer version. It returns the resulting baseline
// as a versioned document.
func (s *Session) advance(id types.TournamentID, doc types.VersionedDocument) types.VersionedDocument {
	doc.State = rules.EnsureShape(doc.State, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.baseline.Tournament == id && doc.Version >= s.baseline.Version {
		s.baseline.Version = doc.Version
		s.baseline.State = doc.State.Clone()
	}
	return doc
}

// Subscribe opens the push channel for the bound tournament. An event is
// applied only when its version is newer than the baseline; it then replaces
// the baseline wholesale and onChange is invoked. A previous subscription is
// released first. The returned function unsubscribes and may be called any
// number of times.
func (s *Session) Subscribe(ctx context.Context, onChange func(types.VersionedDocument)) (func(), error) {
	s.mu.Lock()
	if !s.bound {
		s.mu.Unlock()
		return func() {}, types.ErrNotBound
	}
	id := s.baseline.Tournament
	previous := s.cancel
	s.cancel = nil
	s.subGen++
	gen := s.subGen
	s.mu.Unlock()

	if previous != nil {
		previous()
	}

	cancel, err := s.push.Subscribe(ctx, id, func(evt types.Event) {
		s.handleEvent(gen, id, evt, onChange)
	})
	if err != nil {
		return func() {}, types.Transport("subscribe", err)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			if s.subGen == gen {
				s.cancel = nil
			}
			s.mu.Unlock()
			cancel()
		})
	}

	s.mu.Lock()
	if s.subGen != gen {
		// A newer Subscribe or a rebind overtook this one.
		s.mu.Unlock()
		unsubscribe()
		return unsubscribe, nil
	}
	s.cancel = unsubscribe
	s.mu.Unlock()
	return unsubscribe, nil
}

func (s *Session) handleEvent(gen uint64, id types.TournamentID, evt types.Event, onChange func(types.VersionedDocument)) {
	if evt.Tournament != "" && evt.Tournament != id {
		return
	}
	state := rules.EnsureShape(evt.State, s.now())

	s.mu.Lock()
	if s.subGen != gen || s.baseline.Tournament != id {
		s.mu.Unlock()
		return
	}
	if evt.Version <= s.baseline.Version {
		local := s.baseline.Version
		s.mu.Unlock()
		pushEventsTotal.WithLabelValues("stale").Inc()
		s.logger.Debug().Str("tournament", string(id)).Int64("event", evt.Version).Int64("baseline", local).Msg("ignored stale push event")
		return
	}
	s.baseline.Version = evt.Version
	s.baseline.State = state.Clone()
	s.mu.Unlock()

	pushEventsTotal.WithLabelValues("applied").Inc()
	if onChange != nil {
		onChange(types.VersionedDocument{State: state, Version: evt.Version})
	}
}

// Close releases the active subscription, if any, including one still being
// opened. It is safe on a session that never subscribed.
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.subGen++
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Mutation computes a new document from the current one.
type Mutation func(types.TournamentDocument) (types.TournamentDocument, error)

// ErrRetriesExhausted is returned by ApplyWithRetry when every attempt conflicted.
var ErrRetriesExhausted = errors.New("commit retries exhausted")

// ApplyWithRetry is a caller-side retry policy: it applies mutate to the
// baseline and commits, recomputing mutate against the fresh state after each
// conflict, for at most attempts tries.
func ApplyWithRetry(ctx context.Context, s *Session, attempts int, mutate Mutation) (CommitResult, error) {
	base, ok := s.Current()
	if !ok {
		return CommitResult{}, types.ErrNotBound
	}
	if attempts < 1 {
		attempts = 1
	}

	state := base.State
	var last CommitResult
	for attempt := 1; attempt <= attempts; attempt++ {
		next, err := mutate(state.Clone())
		if err != nil {
			return CommitResult{}, err
		}
		last, err = s.Commit(ctx, next)
		if err != nil {
			return CommitResult{}, err
		}
		if last.Accepted {
			return last, nil
		}
		s.logger.Debug().Int("attempt", attempt).Int64("version", last.Version).Msg("rebasing after conflict")
		state = last.State
	}
	return last, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, types.ErrConflict)
}
