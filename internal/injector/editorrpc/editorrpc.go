// ABOUTME: Editor-RPC adapter: injects text via a local UNIX socket addressing a buffer by job
// ABOUTME: Fails fast (no window focus change) if the socket is missing or the buffer is unregistered

package editorrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/relaykeep/relaykeep/internal/injector"
	"github.com/relaykeep/relaykeep/internal/registry"
)

// request is the shape sent to the editor's RPC socket. The editor is
// expected to route it to whichever job owns BufferIdentifier without
// changing window focus.
type request struct {
	Op     string `json:"op"`
	Buffer string `json:"buffer"`
	Text   string `json:"text"`
	Lines  int    `json:"lines,omitempty"`
}

type response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Output string `json:"output,omitempty"`
}

// Adapter implements injector.Adapter over a UNIX domain socket.
type Adapter struct {
	dial func(socketPath string) (net.Conn, error)
}

// New returns an Adapter that dials the real UNIX socket. Tests may
// construct Adapter{dial: ...} directly to substitute a fake transport.
func New() *Adapter {
	return &Adapter{dial: func(socketPath string) (net.Conn, error) {
		return net.Dial("unix", socketPath)
	}}
}

func (a *Adapter) call(ctx context.Context, t registry.Transport, req request) (response, error) {
	conn, err := a.dial(t.SocketPath)
	if err != nil {
		return response{}, fmt.Errorf("dialing editor socket: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return response{}, fmt.Errorf("writing editor rpc request: %w", err)
	}

	var resp response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return response{}, fmt.Errorf("reading editor rpc response: %w", err)
	}
	return resp, nil
}

// Inject addresses the job owning t.BufferIdentifier and sends text as if
// typed, without changing window focus.
func (a *Adapter) Inject(ctx context.Context, t registry.Transport, text string) injector.Result {
	if t.SocketPath == "" || t.BufferIdentifier == "" {
		return injector.Result{OK: false, Error: "socket path or buffer identifier missing", Transport: registry.TransportEditorRPC}
	}

	resp, err := a.call(ctx, t, request{Op: "inject", Buffer: t.BufferIdentifier, Text: text})
	if err != nil {
		return injector.Result{OK: false, Error: err.Error(), Transport: registry.TransportEditorRPC}
	}
	if !resp.OK {
		return injector.Result{OK: false, Error: resp.Error, Transport: registry.TransportEditorRPC}
	}
	return injector.Result{OK: true, Transport: registry.TransportEditorRPC}
}

// Capture requests recent buffer output over the same RPC socket.
func (a *Adapter) Capture(ctx context.Context, t registry.Transport, lines int) (string, bool, error) {
	if t.SocketPath == "" || t.BufferIdentifier == "" {
		return "", false, fmt.Errorf("socket path or buffer identifier missing")
	}
	resp, err := a.call(ctx, t, request{Op: "capture", Buffer: t.BufferIdentifier, Lines: lines})
	if err != nil {
		return "", false, err
	}
	if !resp.OK {
		return "", false, fmt.Errorf("%s", resp.Error)
	}
	return resp.Output, true, nil
}
