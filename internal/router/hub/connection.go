// ABOUTME: Connection wraps one machine's live duplex websocket channel
// ABOUTME: Serializes writes and tracks the last frame received for staleness detection

package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/relaykeep/relaykeep/internal/wire"
)

// Connection is one authenticated machine's live channel. Exactly one
// Connection may be registered per machine ID at a time.
type Connection struct {
	MachineID string

	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
}

func newConnection(machineID string, conn *websocket.Conn, logger *slog.Logger) *Connection {
	return &Connection{
		MachineID: machineID,
		conn:      conn,
		logger:    logger,
		lastSeen:  time.Now(),
	}
}

// touch records that a frame was just received from this connection.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// idleSince reports how long it has been since the last received frame.
func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastSeen)
}

// SendCommand dispatches a command to the machine over its live channel.
func (c *Connection) SendCommand(ctx context.Context, frame wire.CommandFrame) error {
	frame.Type = wire.TypeCommand
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteJSON(ctx, c.conn, frame)
}

// sendPong replies to a heartbeat ping.
func (c *Connection) sendPong(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.WriteJSON(ctx, c.conn, wire.PongFrame{Type: wire.TypePong})
}

// close terminates the underlying websocket with the given code and reason.
func (c *Connection) close(code websocket.StatusCode, reason string) {
	_ = c.conn.Close(code, reason)
}
