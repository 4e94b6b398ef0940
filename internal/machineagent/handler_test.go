package machineagent

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/agentinbox"
	"github.com/relaykeep/relaykeep/internal/injector"
	"github.com/relaykeep/relaykeep/internal/registry"
	"github.com/relaykeep/relaykeep/internal/wire"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeAdapter struct {
	result injector.Result
}

func (f *fakeAdapter) Inject(ctx context.Context, t registry.Transport, text string) injector.Result {
	return f.result
}

func (f *fakeAdapter) Capture(ctx context.Context, t registry.Transport, lines int) (string, bool, error) {
	return "", false, nil
}

type fakeSender struct {
	results []wire.CommandResultFrame
}

func (f *fakeSender) SendCommandResult(ctx context.Context, result wire.CommandResultFrame) error {
	f.results = append(f.results, result)
	return nil
}

func newTestHandler(t *testing.T, mux injector.Adapter) (*commandHandler, registry.Registry, *agentinbox.Inbox, *fakeSender) {
	t.Helper()
	reg, err := registry.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	inbox, err := agentinbox.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = inbox.Close() })

	sender := &fakeSender{}
	h := &commandHandler{
		registry: reg,
		injector: injector.New(nil, mux, nil),
		inbox:    inbox,
		hub:      sender,
		logger:   testLogger(),
	}
	return h, reg, inbox, sender
}

func TestHandleCommandSuccessMarksInboxDone(t *testing.T) {
	mux := &fakeAdapter{result: injector.Result{OK: true, Transport: registry.TransportMultiplexer}}
	h, reg, inbox, sender := newTestHandler(t, mux)

	ctx := context.Background()
	_, err := reg.Upsert(ctx, registry.UpsertFields{
		SessionID: "s1",
		Transport: &registry.Transport{Kind: registry.TransportMultiplexer, PaneIdentifier: "%1"},
	})
	require.NoError(t, err)

	_, err = inbox.InsertIfAbsent(ctx, "cmd-1", []byte(`{}`))
	require.NoError(t, err)

	h.HandleCommand(ctx, wire.CommandFrame{CommandID: "cmd-1", SessionID: "s1", Command: "ls", ChatID: "chat-1"})

	require.Len(t, sender.results, 1)
	require.True(t, sender.results[0].Success)

	undone, err := inbox.ListUndone(ctx)
	require.NoError(t, err)
	require.Empty(t, undone)
}

func TestHandleCommandAdapterFailureLeavesInboxUndone(t *testing.T) {
	mux := &fakeAdapter{result: injector.Result{OK: false, Error: "pane gone"}}
	h, reg, inbox, sender := newTestHandler(t, mux)

	ctx := context.Background()
	_, err := reg.Upsert(ctx, registry.UpsertFields{
		SessionID: "s1",
		Transport: &registry.Transport{Kind: registry.TransportMultiplexer, PaneIdentifier: "%1"},
	})
	require.NoError(t, err)
	_, err = inbox.InsertIfAbsent(ctx, "cmd-1", []byte(`{}`))
	require.NoError(t, err)

	h.HandleCommand(ctx, wire.CommandFrame{CommandID: "cmd-1", SessionID: "s1", Command: "ls"})

	require.Len(t, sender.results, 1)
	require.False(t, sender.results[0].Success)
	require.Equal(t, "pane gone", sender.results[0].Error)

	undone, err := inbox.ListUndone(ctx)
	require.NoError(t, err)
	require.Len(t, undone, 1)
}

func TestHandleCommandUnknownSessionReportsFailure(t *testing.T) {
	h, _, _, sender := newTestHandler(t, &fakeAdapter{})

	h.HandleCommand(context.Background(), wire.CommandFrame{CommandID: "cmd-1", SessionID: "ghost", Command: "ls"})

	require.Len(t, sender.results, 1)
	require.False(t, sender.results[0].Success)
	require.Equal(t, "session not found", sender.results[0].Error)
}
