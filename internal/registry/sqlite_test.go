package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/registry/tokens"
)

func newTestRegistry(t *testing.T) *SQLiteRegistry {
	t.Helper()
	r, err := NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestUpsertCreatesThenMerges(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	sess, err := r.Upsert(ctx, UpsertFields{SessionID: "s1", Label: "first", WorkingDir: "/a"})
	require.NoError(t, err)
	assert.Equal(t, "/a", sess.WorkingDir)
	created := sess.CreatedAt

	sess, err = r.Upsert(ctx, UpsertFields{SessionID: "s1", Label: "second"})
	require.NoError(t, err)
	assert.Equal(t, "second", sess.Label)
	assert.Equal(t, "/a", sess.WorkingDir, "fields omitted from the second upsert should be preserved")
	assert.Equal(t, created, sess.CreatedAt)
}

func TestEnableNotifyOnUnknownIDReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	err := r.EnableNotify(ctx, "missing", "label", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThenGetNotFound(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.Upsert(ctx, UpsertFields{SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "s1"))

	_, err = r.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersByLastSeenDescending(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	_, err := r.Upsert(ctx, UpsertFields{SessionID: "s1"})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, UpsertFields{SessionID: "s2"})
	require.NoError(t, err)
	require.NoError(t, r.Touch(ctx, "s1"))

	sessions, err := r.List(ctx, false, false)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "s1", sessions[0].SessionID)
}

func TestDeleteCascadesBoundTokens(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	store, err := tokens.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	r.SetTokenDeleter(store)

	_, err = r.Upsert(ctx, UpsertFields{SessionID: "s1"})
	require.NoError(t, err)
	tok, err := store.Mint(ctx, "s1", "chat1", time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, "s1"))

	_, err = store.Validate(ctx, tok.Value, "chat1")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestCleanupExpiredCascadesBoundTokens(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	store, err := tokens.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	r.SetTokenDeleter(store)

	_, err = r.Upsert(ctx, UpsertFields{SessionID: "s1"})
	require.NoError(t, err)
	tok, err := store.Mint(ctx, "s1", "chat1", time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, r.Touch(ctx, "s1"))
	_, err = r.db.ExecContext(ctx, `UPDATE sessions SET expires_at = ? WHERE session_id = ?`, time.Now().Add(-time.Minute), "s1")
	require.NoError(t, err)

	ids, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, ids)

	_, err = store.Validate(ctx, tok.Value, "chat1")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestListNotifyOnlyFilter(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	notify := true
	_, err := r.Upsert(ctx, UpsertFields{SessionID: "s1", Notify: &notify})
	require.NoError(t, err)
	_, err = r.Upsert(ctx, UpsertFields{SessionID: "s2"})
	require.NoError(t, err)

	sessions, err := r.List(ctx, false, true)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
}
