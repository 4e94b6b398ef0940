package routerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertSessionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertSession(ctx, &RouterSession{SessionID: "s1", MachineID: "m1", Label: "first"}))
	first, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.UpsertSession(ctx, &RouterSession{SessionID: "s1", MachineID: "m1", Label: ""}))
	second, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, "first", second.Label)
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt) || second.UpdatedAt.Equal(first.UpdatedAt))
	assert.True(t, second.UpdatedAt.Equal(second.CreatedAt) || second.UpdatedAt.After(second.CreatedAt))
}

func TestDeleteSessionCascadesQueue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertSession(ctx, &RouterSession{SessionID: "s1", MachineID: "m1"}))
	_, err := s.EnqueueCommand(ctx, &CommandQueueEntry{MachineID: "m1", SessionID: "s1", CommandText: "ls", ChatID: "c1"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	n, err := s.CountQueued(ctx, "m1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestQueueFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, text := range []string{"A", "B", "C"} {
		_, err := s.EnqueueCommand(ctx, &CommandQueueEntry{MachineID: "m1", SessionID: "s1", CommandText: text, ChatID: "c1"})
		require.NoError(t, err)
	}

	entries, err := s.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{entries[0].CommandText, entries[1].CommandText, entries[2].CommandText})
}

func TestMarkUpdateSeenDedup(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seen, err := s.MarkUpdateSeen(ctx, "update-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = s.MarkUpdateSeen(ctx, "update-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestRequeueStaleSent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	id, err := s.EnqueueCommand(ctx, &CommandQueueEntry{MachineID: "m1", SessionID: "s1", CommandText: "ls", ChatID: "c1"})
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, id, time.Now().Add(-time.Hour)))

	n, err := s.RequeueStaleSent(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries, err := s.ListQueued(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestValidateReplyTokenChecksExpiryAndChatID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveReplyToken(ctx, &ReplyToken{
		Token:     "tok-1",
		SessionID: "s1",
		ChatID:    "chatA",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	sessionID, err := s.ValidateReplyToken(ctx, "tok-1", "chatA")
	require.NoError(t, err)
	assert.Equal(t, "s1", sessionID)

	_, err = s.ValidateReplyToken(ctx, "tok-1", "chatB")
	assert.ErrorIs(t, err, ErrTokenChatMismatch)

	_, err = s.ValidateReplyToken(ctx, "missing", "chatA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateReplyTokenExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.SaveReplyToken(ctx, &ReplyToken{
		Token:     "tok-1",
		SessionID: "s1",
		ChatID:    "chatA",
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	_, err := s.ValidateReplyToken(ctx, "tok-1", "chatA")
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestDeleteSessionCascadesReplyTokens(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertSession(ctx, &RouterSession{SessionID: "s1", MachineID: "m1"}))
	require.NoError(t, s.SaveReplyToken(ctx, &ReplyToken{
		Token:     "tok-1",
		SessionID: "s1",
		ChatID:    "chatA",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, s.DeleteSession(ctx, "s1"))

	_, err := s.ValidateReplyToken(ctx, "tok-1", "chatA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.UpsertSession(ctx, &RouterSession{SessionID: "s1", MachineID: "m1"}))

	ids, err := s.DeleteExpiredSessions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
