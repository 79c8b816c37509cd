package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Connection is one live WebSocket, exactly-one-owned by its read goroutine.
// Writes are serialized through writeMu so the optional broadcast fan-out
// goroutine can share write access without interleaving frames.
type Connection struct {
	ID     string
	AppID  string
	UserID string

	socket *websocket.Conn

	writeMu sync.Mutex

	mu         sync.Mutex
	channelIDs map[string]struct{}

	cancelFanout context.CancelFunc
}

func newConnection(id string, socket *websocket.Conn) *Connection {
	return &Connection{
		ID:         id,
		socket:     socket,
		channelIDs: make(map[string]struct{}),
	}
}

// AddChannel records that this connection has Init'd channelID. Adding the
// same channel twice is a no-op, matching the decision that repeated Init
// is idempotent.
func (c *Connection) AddChannel(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelIDs[channelID] = struct{}{}
}

// Channels returns the set of channel IDs this connection has Init'd.
func (c *Connection) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.channelIDs))
	for id := range c.channelIDs {
		out = append(out, id)
	}
	return out
}

func (c *Connection) setCancelFanout(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelFanout = cancel
}

// stopFanout cancels the broadcast fan-out goroutine, if one was started.
// Neither goroutine waits on the other — cancellation is fire-and-forget.
func (c *Connection) stopFanout() {
	c.mu.Lock()
	cancel := c.cancelFanout
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WriteBinary sends a binary frame under the exclusive write lock.
func (c *Connection) WriteBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(websocket.BinaryMessage, data)
}

// WriteJSON sends a text frame under the exclusive write lock.
func (c *Connection) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) Close() error {
	return c.socket.Close()
}
