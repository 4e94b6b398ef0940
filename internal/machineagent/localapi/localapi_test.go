package localapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/registry"
	"github.com/relaykeep/relaykeep/internal/registry/tokens"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeNotifier struct {
	calls []string
	fail  bool
}

func (f *fakeNotifier) Notify(ctx context.Context, sessionID, chatID, text, token string, ttl time.Duration) error {
	if f.fail {
		return context.DeadlineExceeded
	}
	f.calls = append(f.calls, sessionID+"|"+chatID+"|"+text+"|"+token)
	return nil
}

func newTestServer(t *testing.T) (*Server, registry.Registry, *tokens.Store, *fakeNotifier) {
	t.Helper()
	reg, err := registry.NewSQLiteRegistry(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	tokStore, err := tokens.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tokStore.Close() })
	reg.SetTokenDeleter(tokStore)

	n := &fakeNotifier{}
	s := New(reg, tokStore, n, "chat-1", time.Hour, testLogger())
	t.Cleanup(s.Close)
	return s, reg, tokStore, n
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionStartThenGet(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/session-start", map[string]any{
		"session_id": "s1", "cwd": "/work", "label": "build",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "/work", resp.WorkingDir)
}

func TestStopWithoutNotifyDoesNotCallNotifier(t *testing.T) {
	s, _, _, n := newTestServer(t)
	h := s.Routes()

	doJSON(t, h, http.MethodPost, "/session-start", map[string]any{"session_id": "s1"})

	rec := doJSON(t, h, http.MethodPost, "/stop", map[string]any{"session_id": "s1", "event": "finished"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp stopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.False(t, resp.Notified)
	require.Empty(t, n.calls)
}

func TestStopWithNotifyMintsTokenAndNotifies(t *testing.T) {
	s, _, tokStore, n := newTestServer(t)
	h := s.Routes()

	notify := true
	doJSON(t, h, http.MethodPost, "/session-start", map[string]any{"session_id": "s1", "notify": notify})

	rec := doJSON(t, h, http.MethodPost, "/stop", map[string]any{
		"session_id": "s1", "event": "waiting-for-input", "summary": "needs your input",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp stopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Notified)
	require.Len(t, n.calls, 1)

	rec = doJSON(t, h, http.MethodPost, "/tokens/validate", map[string]any{
		"token": extractToken(n.calls[0]), "chat_id": "chat-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var valResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &valResp))
	require.Equal(t, true, valResp["ok"])
	require.Equal(t, "s1", valResp["session_id"])

	_ = tokStore
}

func TestStopDedupesRepeatEventWithinWindow(t *testing.T) {
	s, _, _, n := newTestServer(t)
	h := s.Routes()

	doJSON(t, h, http.MethodPost, "/session-start", map[string]any{"session_id": "s1", "notify": true})

	first := doJSON(t, h, http.MethodPost, "/stop", map[string]any{"session_id": "s1", "event": "waiting-for-input"})
	require.Equal(t, http.StatusOK, first.Code)
	second := doJSON(t, h, http.MethodPost, "/stop", map[string]any{"session_id": "s1", "event": "waiting-for-input"})
	require.Equal(t, http.StatusOK, second.Code)

	var secondResp stopResponse
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	require.False(t, secondResp.Notified)
	require.Len(t, n.calls, 1)
}

func TestValidateTokenWrongChatReturnsGenericFailure(t *testing.T) {
	s, _, tokStore, _ := newTestServer(t)
	h := s.Routes()

	tok, err := tokStore.Mint(context.Background(), "s1", "chat-1", time.Hour, nil)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodPost, "/tokens/validate", map[string]any{
		"token": tok.Value, "chat_id": "chat-evil",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, false, resp["ok"])
}

func TestDeleteSessionCascadesTokens(t *testing.T) {
	s, _, tokStore, _ := newTestServer(t)
	h := s.Routes()

	doJSON(t, h, http.MethodPost, "/session-start", map[string]any{"session_id": "s1"})
	tok, err := tokStore.Mint(context.Background(), "s1", "chat-1", time.Hour, nil)
	require.NoError(t, err)

	rec := doJSON(t, h, http.MethodDelete, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = tokStore.Validate(context.Background(), tok.Value, "chat-1")
	require.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestHeartbeatUnknownSessionNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	h := s.Routes()

	rec := doJSON(t, h, http.MethodPost, "/sessions/ghost/heartbeat", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doJSON(t, s.Routes(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReady(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	rec := doJSON(t, s.Routes(), http.MethodGet, "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// extractToken pulls the fourth pipe-delimited field the fakeNotifier
// records its calls as (sessionID|chatID|text|token).
func extractToken(call string) string {
	parts := []rune(call)
	count := 0
	for i, r := range parts {
		if r == '|' {
			count++
			if count == 3 {
				return string(parts[i+1:])
			}
		}
	}
	return ""
}
