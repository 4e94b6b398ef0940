// ABOUTME: Session and transport descriptor types for the workstation-local Session Registry
// ABOUTME: Mirrors the shape of routerstore but adds process-liveness and transport fields

package registry

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested session does not exist.
var ErrNotFound = errors.New("not found")

// State enumerates a Session's lifecycle.
type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// TransportKind discriminates the Transport descriptor sum type.
type TransportKind string

const (
	TransportEditorRPC   TransportKind = "terminal-editor-rpc"
	TransportMultiplexer TransportKind = "terminal-multiplexer"
	TransportPseudoTTY   TransportKind = "pseudo-terminal"
	TransportUnknown     TransportKind = "unknown"
)

// Transport is the sum type describing how to reach a session's terminal.
// Only the fields relevant to Kind are populated; terminal-editor-rpc may
// additionally carry a Fallback multiplexer descriptor.
type Transport struct {
	Kind TransportKind

	// terminal-editor-rpc
	SocketPath       string
	BufferIdentifier string

	// terminal-multiplexer (also used as editor-rpc's fallback)
	PaneIdentifier string
	SessionName    string

	// pseudo-terminal
	DevicePath string

	// Fallback holds a secondary terminal-multiplexer descriptor for an
	// editor-rpc transport, used by the Injector if the primary adapter fails.
	Fallback *Transport
}

// Priority returns this transport's rank in the "editor-rpc > multiplexer
// > pty" selection order used by the Injector (lower is preferred).
func (t Transport) Priority() int {
	switch t.Kind {
	case TransportEditorRPC:
		return 0
	case TransportMultiplexer:
		return 1
	case TransportPseudoTTY:
		return 2
	default:
		return 3
	}
}

// Session represents one live AI coding session on this workstation.
type Session struct {
	SessionID     string
	ParentPID     int
	PID           int
	StartTime     time.Time
	WorkingDir    string
	Label         string
	Notify        bool
	Transport     Transport
	State         State
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastSeen      time.Time
	ExpiresAt     time.Time
}

// UpsertFields carries the subset of Session fields a caller may set via
// upsert; zero values mean "leave unchanged" except where noted.
type UpsertFields struct {
	SessionID  string
	ParentPID  int
	PID        int
	StartTime  time.Time
	WorkingDir string
	Label      string
	Notify     *bool
	Transport  *Transport
}
