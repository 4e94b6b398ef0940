package editorrpc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/registry"
)

// fakeServer accepts one connection on an in-memory pipe, decodes a
// request, and writes back a canned response.
func fakeServer(t *testing.T, resp response) func(socketPath string) (net.Conn, error) {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		var req request
		_ = json.NewDecoder(server).Decode(&req)
		_ = json.NewEncoder(server).Encode(resp)
		server.Close()
	}()
	return func(string) (net.Conn, error) {
		return client, nil
	}
}

func TestInjectSuccess(t *testing.T) {
	a := &Adapter{dial: fakeServer(t, response{OK: true})}
	res := a.Inject(context.Background(), registry.Transport{SocketPath: "/tmp/x.sock", BufferIdentifier: "buf1"}, "hello")
	assert.True(t, res.OK)
}

func TestInjectRemoteError(t *testing.T) {
	a := &Adapter{dial: fakeServer(t, response{OK: false, Error: "unknown buffer"})}
	res := a.Inject(context.Background(), registry.Transport{SocketPath: "/tmp/x.sock", BufferIdentifier: "buf1"}, "hello")
	assert.False(t, res.OK)
	assert.Equal(t, "unknown buffer", res.Error)
}

func TestInjectMissingDescriptor(t *testing.T) {
	a := New()
	res := a.Inject(context.Background(), registry.Transport{}, "hello")
	assert.False(t, res.OK)
}

func TestCaptureReturnsOutput(t *testing.T) {
	a := &Adapter{dial: fakeServer(t, response{OK: true, Output: "line1\nline2"})}
	out, ok, err := a.Capture(context.Background(), registry.Transport{SocketPath: "/tmp/x.sock", BufferIdentifier: "buf1"}, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "line1\nline2", out)
}

func TestCallRespectsContextDeadline(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	a := &Adapter{dial: func(string) (net.Conn, error) { return client, nil }}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := a.call(ctx, registry.Transport{SocketPath: "/tmp/x.sock"}, request{Op: "inject"})
	assert.Error(t, err)
}
