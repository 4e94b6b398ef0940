package sweep

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/routerstore"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRunRequeuesStaleSentEntry(t *testing.T) {
	ctx := context.Background()
	store, err := routerstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	staleID, err := store.EnqueueCommand(ctx, &routerstore.CommandQueueEntry{MachineID: "m1", SessionID: "s1", CommandText: "ls", ChatID: "c1"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSent(ctx, staleID, time.Now().Add(-2*time.Hour)))

	s := New(store, Config{RetrySweepThreshold: time.Hour}, testLogger())
	s.Run(ctx)

	entries, err := store.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	store, err := routerstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	s := New(store, Config{Interval: 10 * time.Millisecond}, testLogger())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
