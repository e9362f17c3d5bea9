package ws

import (
	"sync"

	"github.com/example/volley-sync/internal/types"
)

// ConnectionRegistry tracks active WebSocket connections keyed by tournament
// so relayed push events reach every local watcher.
type ConnectionRegistry struct {
	mu          sync.RWMutex
	tournaments map[types.TournamentID]map[*Connection]struct{}
}

// NewConnectionRegistry creates an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{tournaments: make(map[types.TournamentID]map[*Connection]struct{})}
}

// Register associates the connection with a tournament.
func (r *ConnectionRegistry) Register(id types.TournamentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tournaments[id] == nil {
		r.tournaments[id] = make(map[*Connection]struct{})
	}
	r.tournaments[id][c] = struct{}{}
	gatewayConnections.WithLabelValues(string(id)).Set(float64(len(r.tournaments[id])))
}

// Unregister removes the connection.
func (r *ConnectionRegistry) Unregister(id types.TournamentID, c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.tournaments[id]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.tournaments, id)
	}
	gatewayConnections.WithLabelValues(string(id)).Set(float64(len(conns)))
}

// Count reports the number of connections watching id.
func (r *ConnectionRegistry) Count(id types.TournamentID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tournaments[id])
}

// Broadcast delivers payload to every connection watching id and returns how
// many accepted it.
func (r *ConnectionRegistry) Broadcast(id types.TournamentID, payload []byte) int {
	r.mu.RLock()
	conns := r.tournaments[id]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Connection, 0, len(conns))
	for c := range conns {
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.Send(payload); err == nil {
			sent++
		}
	}
	return sent
}
