package deadcheck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/registry"
)

type fakeProber struct {
	alive map[int]bool
}

func (f fakeProber) IsAlive(pid int, _ time.Time) (bool, error) {
	return f.alive[pid], nil
}

func TestSweepDeletesDeadSessions(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	notify := true
	_, err = reg.Upsert(ctx, registry.UpsertFields{SessionID: "alive", ParentPID: 100, Notify: &notify})
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, registry.UpsertFields{SessionID: "dead", ParentPID: 200, Notify: &notify})
	require.NoError(t, err)

	checker := New(reg, fakeProber{alive: map[int]bool{100: true, 200: false}})
	removed, err := checker.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dead"}, removed)

	_, err = reg.Get(ctx, "alive")
	assert.NoError(t, err)
	_, err = reg.Get(ctx, "dead")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestSweepIgnoresSessionsWithoutParentPID(t *testing.T) {
	ctx := context.Background()
	reg, err := registry.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	notify := true
	_, err = reg.Upsert(ctx, registry.UpsertFields{SessionID: "no-ppid", Notify: &notify})
	require.NoError(t, err)

	checker := New(reg, fakeProber{})
	removed, err := checker.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
