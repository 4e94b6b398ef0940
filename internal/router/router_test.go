package router

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/router/config"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{SharedAPIKey: "shared-key", JWTSecret: "jwt-secret"},
		Limits: config.LimitsConfig{
			MaxCommandLengthBytes: 10240,
			MaxQueuePerMachine:    100,
			MaxTotalSessions:      1000,
			SessionTTL:            24 * time.Hour,
			ReplyTokenTTL:         24 * time.Hour,
			SeenUpdateRetention:   time.Hour,
		},
		Chat: config.ChatConfig{BotToken: "123456:fake-token-for-tests"},
	}
}

func TestNewWiresServerWithoutError(t *testing.T) {
	s, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.store.Close())
}

func TestRunServesHealthEndpointAndShutsDownOnCancel(t *testing.T) {
	s, err := New(testConfig(t), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Give the listener a moment to bind before we cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestWebhookPathDefaultsAndObfuscates(t *testing.T) {
	require.Equal(t, "/webhook", webhookPath(""))
	require.Equal(t, "/webhook/shh", webhookPath("shh"))
}

func TestHandleHealthReturnsOK(t *testing.T) {
	rec := &statusRecorder{}
	handleHealth(rec, nil)
	require.Equal(t, http.StatusOK, rec.code)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) Header() http.Header { return http.Header{} }
func (s *statusRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (s *statusRecorder) WriteHeader(code int)         { s.code = code }
