// ABOUTME: JSON frame shapes exchanged over the Router<->Agent duplex channel
// ABOUTME: Agent-origin and Router-origin frames share a discriminated "type" field

package wire

// Frame type discriminators. An unrecognized type is logged and ignored by
// both ends rather than treated as a protocol error.
const (
	TypeAuth          = "auth"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeAck           = "ack"
	TypeCommand       = "command"
	TypeCommandResult = "commandResult"
)

// AuthFrame is the shape of an in-band credential frame. Neither end sends
// or handles it: the Router authenticates the upgrade request's
// Authorization header before accepting the websocket.
type AuthFrame struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
}

// PingFrame is sent by the Agent on its heartbeat interval.
type PingFrame struct {
	Type string `json:"type"`
}

// PongFrame is the Router's reply to a PingFrame.
type PongFrame struct {
	Type string `json:"type"`
}

// AckFrame confirms the Agent has durably written a command to its inbox.
// Receipt of this frame is what lets the Router delete the queue entry.
type AckFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
}

// CommandFrame is a command dispatched from the Router to a specific Agent.
type CommandFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	ChatID    string `json:"chat_id"`
}

// CommandResultFrame reports the outcome of executing a command, for
// upstream visibility back in the chat when injection fails.
type CommandResultFrame struct {
	Type      string `json:"type"`
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
}

// Envelope is used to sniff the "type" discriminator before decoding into
// one of the concrete frame structs above.
type Envelope struct {
	Type string `json:"type"`
}

// Router close codes, sent when the Router terminates a machine's channel
// for a reason the Agent should distinguish in its logs (both trigger the
// same reconnect loop per the connection lifecycle contract).
const (
	CloseReplaced = 4001 // a newer authenticated connection replaced this one
	ClosePolicy   = 4003 // the machine was rejected by policy (e.g. revoked key); not sent by the Router
)
