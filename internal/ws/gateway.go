package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/types"
)

// Source resolves slugs and loads the state a new watcher starts from.
type Source interface {
	ResolveSlug(ctx context.Context, slug string) (types.TournamentID, error)
	Load(ctx context.Context, id types.TournamentID) (types.VersionedDocument, error)
}

// GatewayConfig controls the runtime behaviour of the WebSocket gateway.
type GatewayConfig struct {
	PingInterval time.Duration
	PongWait     time.Duration
	SendBuffer   int
	WriteTimeout time.Duration
}

// Gateway upgrades HTTP requests into push streams for one tournament and
// wires them into the ConnectionRegistry. Watchers are read-only, so no
// capability secret is required.
type Gateway struct {
	source   Source
	registry *ConnectionRegistry
	logger   zerolog.Logger
	cfg      GatewayConfig
	upgrader websocket.Upgrader
}

// NewGateway creates a Gateway with sane defaults.
func NewGateway(source Source, registry *ConnectionRegistry, logger zerolog.Logger, cfg GatewayConfig) (*Gateway, error) {
	if source == nil {
		return nil, errors.New("state source is required")
	}
	if registry == nil {
		return nil, errors.New("connection registry is required")
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Gateway{
		source:   source,
		registry: registry,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// ServeHTTP implements http.Handler. The tournament is selected with either
// ?tournament=<id> or ?slug=<slug>.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()

	id := types.TournamentID(r.URL.Query().Get("tournament"))
	if id == "" {
		slug := r.URL.Query().Get("slug")
		if slug == "" {
			http.Error(w, "missing slug", http.StatusBadRequest)
			return
		}
		resolved, err := g.source.ResolveSlug(r.Context(), slug)
		if errors.Is(err, types.ErrNotFound) {
			http.Error(w, "unknown tournament", http.StatusNotFound)
			return
		}
		if err != nil {
			g.logger.Error().Err(err).Str("slug", slug).Msg("resolve slug failed")
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		id = resolved
	}

	initial, err := g.source.Load(r.Context(), id)
	if errors.Is(err, types.ErrNotFound) {
		http.Error(w, "unknown tournament", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Error().Err(err).Str("tournament", string(id)).Msg("load initial state failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	gatewayUpgradeLatency.WithLabelValues(string(id)).Observe(time.Since(start).Seconds())

	childLogger := g.logger.With().Str("tournament", string(id)).Str("remote", r.RemoteAddr).Logger()
	var connection *Connection
	connection = newConnection(conn, id, childLogger, connectionOptions{
		pingInterval:   g.cfg.PingInterval,
		pongWait:       g.cfg.PongWait,
		sendBufferSize: g.cfg.SendBuffer,
		writeTimeout:   g.cfg.WriteTimeout,
	}, func() {
		g.registry.Unregister(id, connection)
		childLogger.Debug().Msg("websocket connection closed")
	})

	g.registry.Register(id, connection)
	childLogger.Info().Msg("websocket connection established")

	// Reload once registered so a commit relayed before Register is not lost.
	// Duplicates of later pushes are dropped by the watcher's version check.
	if latest, err := g.source.Load(r.Context(), id); err == nil && latest.Version >= initial.Version {
		initial = latest
	} else if err != nil {
		childLogger.Warn().Err(err).Msg("reload after register failed; sending earlier state")
	}

	if payload, err := json.Marshal(types.Event{Tournament: id, Version: initial.Version, State: initial.State}); err == nil {
		_ = connection.Send(payload)
	}
	go connection.Run()
}
