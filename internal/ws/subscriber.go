package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/types"
)

const maxReconnectDelay = 30 * time.Second

// Subscriber is the client side of the gateway: it dials the push stream of a
// tournament and reconnects with backoff until cancelled.
type Subscriber struct {
	endpoint *url.URL
	dialer   websocket.Dialer
	logger   zerolog.Logger
}

// NewSubscriber builds a Subscriber for the gateway at endpoint, for example
// ws://localhost:8080/ws.
func NewSubscriber(endpoint string, logger zerolog.Logger) (*Subscriber, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	return &Subscriber{
		endpoint: u,
		dialer:   websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		logger:   logger,
	}, nil
}

// Subscribe dials the stream for id and invokes handler for each event. The
// first dial is synchronous so a bad endpoint is reported to the caller.
func (s *Subscriber) Subscribe(ctx context.Context, id types.TournamentID, handler func(types.Event)) (func(), error) {
	u := *s.endpoint
	q := u.Query()
	q.Set("tournament", string(id))
	u.RawQuery = q.Encode()
	target := u.String()

	conn, _, err := s.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return func() {}, fmt.Errorf("dial %s: %w", target, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	var (
		mu      sync.Mutex
		current = conn
	)
	swap := func(c *websocket.Conn) {
		mu.Lock()
		defer mu.Unlock()
		current = c
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		backoff := 500 * time.Millisecond
		active := conn
		logger := s.logger.With().Str("tournament", string(id)).Logger()
		for {
			if err := readEvents(active, handler); err != nil && runCtx.Err() == nil {
				logger.Warn().Err(err).Dur("backoff", backoff).Msg("push stream interrupted; reconnecting")
			}
			_ = active.Close()

			for {
				select {
				case <-runCtx.Done():
					return
				case <-time.After(backoff):
				}
				next, _, err := s.dialer.DialContext(runCtx, target, nil)
				if err != nil {
					backoff = min(backoff*2, maxReconnectDelay)
					continue
				}
				active = next
				swap(next)
				if runCtx.Err() != nil {
					_ = next.Close()
					return
				}
				backoff = 500 * time.Millisecond
				break
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			mu.Lock()
			_ = current.Close()
			mu.Unlock()
			<-done
		})
	}, nil
}

func readEvents(conn *websocket.Conn, handler func(types.Event)) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var evt types.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return errors.Join(errors.New("decode push event"), err)
		}
		handler(evt)
	}
}
