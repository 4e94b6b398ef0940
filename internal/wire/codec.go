// ABOUTME: JSON read/write helpers shared by the Router hub and the Agent's hub client
// ABOUTME: Every frame is sent as a single websocket text message

package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// WriteJSON encodes v and sends it as one text frame.
func WriteJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ReadEnvelope reads one text frame and returns its discriminator type
// alongside the raw bytes, so the caller can decode into the concrete
// frame struct that Type names.
func ReadEnvelope(ctx context.Context, conn *websocket.Conn) (string, []byte, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return "", nil, err
	}
	if typ != websocket.MessageText {
		return "", nil, fmt.Errorf("expected text frame, got %v", typ)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return env.Type, data, nil
}
