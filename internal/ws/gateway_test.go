package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/volley-sync/internal/types"
)

type fakeSource struct {
	slugs  map[string]types.TournamentID
	states map[types.TournamentID]types.VersionedDocument
}

func (f *fakeSource) ResolveSlug(_ context.Context, slug string) (types.TournamentID, error) {
	id, ok := f.slugs[slug]
	if !ok {
		return "", types.ErrNotFound
	}
	return id, nil
}

func (f *fakeSource) Load(_ context.Context, id types.TournamentID) (types.VersionedDocument, error) {
	doc, ok := f.states[id]
	if !ok {
		return types.VersionedDocument{}, types.ErrNotFound
	}
	return doc, nil
}

func newTestGateway(t *testing.T) (*httptest.Server, *ConnectionRegistry) {
	t.Helper()
	source := &fakeSource{
		slugs:  map[string]types.TournamentID{"cup": "t-1"},
		states: map[types.TournamentID]types.VersionedDocument{"t-1": {Version: 4}},
	}
	registry := NewConnectionRegistry()
	gw, err := NewGateway(source, registry, zerolog.New(io.Discard), GatewayConfig{PingInterval: time.Second})
	require.NoError(t, err)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv, registry
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGatewaySendsInitialStateAndRelayedEvents(t *testing.T) {
	srv, registry := newTestGateway(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?slug=cup", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first types.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, types.TournamentID("t-1"), first.Tournament)
	assert.Equal(t, int64(4), first.Version)

	require.Eventually(t, func() bool { return registry.Count("t-1") == 1 }, time.Second, 10*time.Millisecond)

	payload, err := json.Marshal(types.Event{Tournament: "t-1", Version: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, registry.Broadcast("t-1", payload))

	var next types.Event
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, int64(5), next.Version)
}

func TestGatewayRejectsUnknownSlug(t *testing.T) {
	srv, _ := newTestGateway(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?slug=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriberDeliversEventsUntilCancelled(t *testing.T) {
	srv, registry := newTestGateway(t)

	sub, err := NewSubscriber(srv.URL+"/ws", zerolog.New(io.Discard))
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		versions []int64
	)
	cancel, err := sub.Subscribe(context.Background(), "t-1", func(evt types.Event) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, evt.Version)
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return registry.Count("t-1") == 1 }, time.Second, 10*time.Millisecond)
	payload, err := json.Marshal(types.Event{Tournament: "t-1", Version: 7})
	require.NoError(t, err)
	registry.Broadcast("t-1", payload)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(versions) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	cancel()

	mu.Lock()
	assert.Equal(t, []int64{4, 7}, versions)
	mu.Unlock()
	require.Eventually(t, func() bool { return registry.Count("t-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

// advancingSource reports one more committed version on every Load.
type advancingSource struct {
	mu      sync.Mutex
	version int64
}

func (a *advancingSource) ResolveSlug(context.Context, string) (types.TournamentID, error) {
	return "t-1", nil
}

func (a *advancingSource) Load(context.Context, types.TournamentID) (types.VersionedDocument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version++
	return types.VersionedDocument{Version: a.version}, nil
}

func TestGatewaySendsStateLoadedAfterRegistering(t *testing.T) {
	gw, err := NewGateway(&advancingSource{version: 3}, NewConnectionRegistry(), zerolog.New(io.Discard), GatewayConfig{PingInterval: time.Second})
	require.NoError(t, err)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv)+"?slug=cup", nil)
	require.NoError(t, err)
	defer conn.Close()

	var first types.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(5), first.Version)
}
