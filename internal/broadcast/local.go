package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/example/volley-sync/internal/types"
)

// Hub is an in-process push channel. It satisfies both the store's
// Publisher and the session's PushChannel, which makes it the wiring for a
// single-process deployment and for tests.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[types.TournamentID]map[uint64]func(types.Event)
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[types.TournamentID]map[uint64]func(types.Event))}
}

// Publish delivers evt synchronously to every subscriber of its tournament.
func (h *Hub) Publish(_ context.Context, evt types.Event) error {
	h.mu.RLock()
	handlers := make([]func(types.Event), 0, len(h.subs[evt.Tournament]))
	for _, fn := range h.subs[evt.Tournament] {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		copied := evt
		copied.State = evt.State.Clone()
		fn(copied)
	}
	published.Inc()
	return nil
}

// Subscribe registers handler for events of id.
func (h *Hub) Subscribe(_ context.Context, id types.TournamentID, handler func(types.Event)) (func(), error) {
	h.mu.Lock()
	h.nextID++
	key := h.nextID
	if h.subs[id] == nil {
		h.subs[id] = make(map[uint64]func(types.Event))
	}
	h.subs[id][key] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[id], key)
			if len(h.subs[id]) == 0 {
				delete(h.subs, id)
			}
		})
	}, nil
}

// Subscribers reports how many handlers are registered for id.
func (h *Hub) Subscribers(id types.TournamentID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

// Publisher sends a committed event to subscribers.
type Publisher interface {
	Publish(ctx context.Context, evt types.Event) error
}

// Chain forwards each event to every publisher in order and returns the
// first error.
type Chain []Publisher

// Publish implements the store's Publisher.
func (c Chain) Publish(ctx context.Context, evt types.Event) error {
	var first error
	for _, p := range c {
		if err := p.Publish(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Direct encodes events and hands them straight to a local Fanout. It serves
// single-instance deployments where no Redis relay runs.
type Direct struct {
	Fanout Fanout
}

// Publish implements the store's Publisher.
func (d Direct) Publish(_ context.Context, evt types.Event) error {
	encoded, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	d.Fanout.Broadcast(evt.Tournament, encoded)
	published.Inc()
	return nil
}
