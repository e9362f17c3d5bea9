package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/types"
)

const (
	defaultTopicPrefix = "tournament:"
	defaultDedupeTTL   = 2 * time.Minute
	maxBackoffDelay    = 30 * time.Second
)

type redisMessage struct {
	TournamentID string                   `json:"tournament_id"`
	Version      int64                    `json:"version"`
	DeviceID     string                   `json:"device_id,omitempty"`
	State        types.TournamentDocument `json:"state"`
	EnqueuedAt   int64                    `json:"enqueued_at"`
}

func (m redisMessage) event() types.Event {
	return types.Event{
		Tournament: types.TournamentID(m.TournamentID),
		Version:    m.Version,
		State:      m.State,
		Device:     types.DeviceID(m.DeviceID),
	}
}

// Channel publishes committed tournament states to Redis and lets sessions
// subscribe to a single tournament's topic.
type Channel struct {
	client      *redis.Client
	logger      zerolog.Logger
	topicPrefix string
}

// NewChannel constructs a push channel backed by Redis Pub/Sub.
func NewChannel(client *redis.Client, logger zerolog.Logger) *Channel {
	return &Channel{client: client, logger: logger, topicPrefix: defaultTopicPrefix}
}

// Publish serializes the event and sends it to the tournament topic, retrying
// with backoff until it succeeds or ctx ends.
func (c *Channel) Publish(ctx context.Context, evt types.Event) error {
	if c == nil || c.client == nil {
		return errors.New("nil channel")
	}

	encoded, err := json.Marshal(redisMessage{
		TournamentID: string(evt.Tournament),
		Version:      evt.Version,
		DeviceID:     string(evt.Device),
		State:        evt.State,
		EnqueuedAt:   time.Now().UTC().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode redis payload: %w", err)
	}

	topic := topicFor(c.topicPrefix, evt.Tournament)
	backoff := 100 * time.Millisecond
	for {
		if err := c.client.Publish(ctx, topic, encoded).Err(); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			publishFailures.Inc()
			c.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("redis publish failed; retrying")
			select {
			case <-time.After(backoff):
				backoff = minDuration(backoff*2, maxBackoffDelay)
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		published.Inc()
		return nil
	}
}

// Subscribe listens on the tournament topic and invokes handler for every
// decoded event. Events arrive on a dedicated goroutine. The returned cancel
// function is idempotent.
func (c *Channel) Subscribe(ctx context.Context, id types.TournamentID, handler func(types.Event)) (func(), error) {
	if c == nil || c.client == nil {
		return func() {}, errors.New("nil channel")
	}

	subCtx, stop := context.WithCancel(context.Background())
	pubsub := c.client.Subscribe(subCtx, topicFor(c.topicPrefix, id))
	if _, err := pubsub.Receive(ctx); err != nil {
		stop()
		_ = pubsub.Close()
		return func() {}, fmt.Errorf("subscribe %s: %w", id, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := pubsub.Channel(redis.WithChannelSize(64))
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var payload redisMessage
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					c.logger.Warn().Err(err).Str("topic", msg.Channel).Msg("failed to decode push message")
					continue
				}
				handler(payload.event())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// Fanout delivers an encoded event to the local connections watching a
// tournament and reports how many received it.
type Fanout interface {
	Broadcast(tournament types.TournamentID, payload []byte) int
}

// Relay consumes every tournament topic and hands events to local websocket
// clients, so each server instance serves pushes for commits made anywhere.
type Relay struct {
	client *redis.Client
	fanout Fanout
	logger zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRelay constructs a relay from Redis Pub/Sub to fanout.
func NewRelay(client *redis.Client, fanout Fanout, logger zerolog.Logger) *Relay {
	return &Relay{
		client:      client,
		fanout:      fanout,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		seen:        make(map[string]time.Time),
	}
}

// Start begins consuming in the background until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	go r.run(ctx)
}

func (r *Relay) run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, r.topicPrefix+"*")
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Dur("backoff", backoff).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = minDuration(backoff*2, maxBackoffDelay)
		}
	}
}

func (r *Relay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(msg); err != nil {
				r.logger.Warn().Err(err).Str("topic", msg.Channel).Msg("failed to relay push message")
			}
		}
	}
}

func (r *Relay) process(msg *redis.Message) error {
	var payload redisMessage
	if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if payload.TournamentID == "" {
		payload.TournamentID = strings.TrimPrefix(msg.Channel, r.topicPrefix)
	}
	if payload.TournamentID == "" || payload.Version <= 0 {
		return errors.New("incomplete payload")
	}

	if r.isDuplicate(payload.TournamentID, payload.Version) {
		duplicatesDropped.Inc()
		return nil
	}

	if payload.EnqueuedAt > 0 {
		relayLatency.Observe(time.Since(time.Unix(0, payload.EnqueuedAt)).Seconds())
	}

	encoded, err := json.Marshal(payload.event())
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	sent := r.fanout.Broadcast(types.TournamentID(payload.TournamentID), encoded)
	r.logger.Debug().Str("tournament", payload.TournamentID).Int64("version", payload.Version).Int("recipients", sent).Msg("relayed push event")
	return nil
}

func (r *Relay) isDuplicate(tournament string, version int64) bool {
	key := fmt.Sprintf("%s:%d", tournament, version)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	now := time.Now()
	if ts, ok := r.seen[key]; ok && now.Sub(ts) < r.dedupeTTL {
		return true
	}

	r.seen[key] = now
	cutoff := now.Add(-r.dedupeTTL)
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
		}
	}
	return false
}

func topicFor(prefix string, id types.TournamentID) string {
	return prefix + string(id)
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
