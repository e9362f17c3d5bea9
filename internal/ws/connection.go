package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/volley-sync/internal/types"
)

var errSendBufferFull = errors.New("send buffer full")

type connectionOptions struct {
	pingInterval   time.Duration
	pongWait       time.Duration
	sendBufferSize int
	writeTimeout   time.Duration
}

// Connection is one watcher's upgraded WebSocket. The server only writes to
// it; inbound frames are read to process control messages.
type Connection struct {
	conn       *websocket.Conn
	tournament types.TournamentID
	logger     zerolog.Logger
	send       chan []byte
	opts       connectionOptions

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

func newConnection(conn *websocket.Conn, id types.TournamentID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	return &Connection{
		conn:       conn,
		tournament: id,
		logger:     logger,
		send:       make(chan []byte, opts.sendBufferSize),
		opts:       opts,
		closed:     make(chan struct{}),
		onClose:    onClose,
	}
}

// Tournament returns the watched tournament.
func (c *Connection) Tournament() types.TournamentID { return c.tournament }

// Send enqueues a text payload for the writer goroutine. A watcher that cannot
// keep up is disconnected.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		gatewaySendQueueDepth.WithLabelValues(string(c.tournament)).Set(float64(len(c.send)))
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the pumps and blocks until the connection is closed.
func (c *Connection) Run() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.writeLoop()
	}()

	if err := c.readLoop(); err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	<-done
}

// Close tears the connection down once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop() error {
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
				time.Now().Add(c.opts.writeTimeout))
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.Close()
				return
			}
		}
	}
}
