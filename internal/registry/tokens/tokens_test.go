package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMintValidateRevoke(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tok, err := s.Mint(ctx, "s1", "chatA", time.Hour, Context{"event": "stop"})
	require.NoError(t, err)
	assert.Len(t, tok.Value, 22, "16 bytes base64-url raw-encoded is 22 chars")

	got, err := s.Validate(ctx, tok.Value, "chatA")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)

	require.NoError(t, s.Revoke(ctx, tok.Value))
	_, err = s.Validate(ctx, tok.Value, "chatA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidateChatIDMismatch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tok, err := s.Mint(ctx, "s1", "chatA", time.Hour, nil)
	require.NoError(t, err)

	_, err = s.Validate(ctx, tok.Value, "chatB")
	assert.ErrorIs(t, err, ErrChatIDMismatch)
}

func TestValidateExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tok, err := s.Mint(ctx, "s1", "chatA", -time.Minute, nil)
	require.NoError(t, err)

	_, err = s.Validate(ctx, tok.Value, "chatA")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestDeleteForSessionCascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tok, err := s.Mint(ctx, "s1", "chatA", time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteForSession(ctx, "s1"))

	_, err = s.Validate(ctx, tok.Value, "chatA")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplyKeyMapSingleUse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.BindReplyKey(ctx, "chanA", "msg-123", "tok-abc"))

	token, err := s.ResolveReplyKey(ctx, "chanA", "msg-123")
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token)

	_, err = s.ResolveReplyKey(ctx, "chanA", "msg-123")
	assert.ErrorIs(t, err, ErrNotFound)
}
