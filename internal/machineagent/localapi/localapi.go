// ABOUTME: The Machine Agent's loopback JSON surface: session lifecycle, notify, token validation
// ABOUTME: Every handler is local-only (no auth) since it is expected to bind to 127.0.0.1

package localapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaykeep/relaykeep/internal/dedupe"
	"github.com/relaykeep/relaykeep/internal/registry"
	"github.com/relaykeep/relaykeep/internal/registry/tokens"
)

// stopDedupeTTL bounds how long a (session, event) pair suppresses a
// repeat /stop call. Shell hooks and editor plugins occasionally fire the
// same stop event twice in quick succession (retry on a flaky pipe, two
// processes racing on the same exit); a repeat within this window is
// almost certainly that, not a second genuine stop.
const stopDedupeTTL = 10 * time.Second
const stopDedupeMaxSize = 1024

// stopEventKey identifies one (session, event) pair for the stop-event
// dedupe cache, so two different sessions or events can never collide the
// way a hand-joined string key could.
type stopEventKey struct {
	sessionID string
	event     string
}

// Server holds the dependencies behind the Agent's local HTTP handlers.
type Server struct {
	registry      registry.Registry
	tokens        *tokens.Store
	notifier      Notifier
	chatID        string
	replyTokenTTL time.Duration
	stopSeen      *dedupe.Cache[stopEventKey]
	logger        *slog.Logger
}

// New builds a Server. chatID is the single chat this Agent notifies and
// accepts commands from, per the single-chat-audience non-goal.
func New(reg registry.Registry, tokenStore *tokens.Store, notifier Notifier, chatID string, replyTokenTTL time.Duration, logger *slog.Logger) *Server {
	if replyTokenTTL <= 0 {
		replyTokenTTL = 24 * time.Hour
	}
	return &Server{
		registry:      reg,
		tokens:        tokenStore,
		notifier:      notifier,
		chatID:        chatID,
		replyTokenTTL: replyTokenTTL,
		stopSeen:      dedupe.New[stopEventKey](stopDedupeTTL, stopDedupeMaxSize),
		logger:        logger,
	}
}

// Close releases the background goroutine behind the stop-event dedupe cache.
func (s *Server) Close() {
	s.stopSeen.Close()
}

// Routes mounts every endpoint named in the local HTTP surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session-start", s.handleSessionStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("POST /sessions/enable-notify", s.handleEnableNotify)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /tokens/validate", s.handleValidateToken)
	mux.HandleFunc("POST /cleanup", s.handleCleanup)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	return mux
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type transportFields struct {
	TransportKind          string `json:"transport_kind,omitempty"`
	SocketPath             string `json:"socket_path,omitempty"`
	BufferIdentifier       string `json:"buffer_identifier,omitempty"`
	PaneIdentifier         string `json:"pane_identifier,omitempty"`
	SessionName            string `json:"session_name,omitempty"`
	DevicePath             string `json:"device_path,omitempty"`
	FallbackPaneIdentifier string `json:"fallback_pane_identifier,omitempty"`
	FallbackSessionName    string `json:"fallback_session_name,omitempty"`
}

func (f transportFields) toTransport() *registry.Transport {
	if f.TransportKind == "" {
		return nil
	}
	t := &registry.Transport{
		Kind:             registry.TransportKind(f.TransportKind),
		SocketPath:       f.SocketPath,
		BufferIdentifier: f.BufferIdentifier,
		PaneIdentifier:   f.PaneIdentifier,
		SessionName:      f.SessionName,
		DevicePath:       f.DevicePath,
	}
	if f.FallbackPaneIdentifier != "" || f.FallbackSessionName != "" {
		t.Fallback = &registry.Transport{
			Kind:           registry.TransportMultiplexer,
			PaneIdentifier: f.FallbackPaneIdentifier,
			SessionName:    f.FallbackSessionName,
		}
	}
	return t
}

type sessionStartRequest struct {
	SessionID  string    `json:"session_id"`
	ParentPID  int       `json:"ppid,omitempty"`
	PID        int       `json:"pid,omitempty"`
	StartTime  time.Time `json:"start_time,omitempty"`
	WorkingDir string    `json:"cwd,omitempty"`
	Label      string    `json:"label,omitempty"`
	Notify     *bool     `json:"notify,omitempty"`
	transportFields
}

type sessionResponse struct {
	SessionID  string `json:"session_id"`
	WorkingDir string `json:"working_dir,omitempty"`
	Label      string `json:"label,omitempty"`
	Notify     bool   `json:"notify"`
	State      string `json:"state"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	LastSeen   string `json:"last_seen"`
}

func toSessionResponse(s *registry.Session) sessionResponse {
	return sessionResponse{
		SessionID:  s.SessionID,
		WorkingDir: s.WorkingDir,
		Label:      s.Label,
		Notify:     s.Notify,
		State:      string(s.State),
		CreatedAt:  s.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  s.UpdatedAt.Format(time.RFC3339),
		LastSeen:   s.LastSeen.Format(time.RFC3339),
	}
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req sessionStartRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, err := s.registry.Upsert(r.Context(), registry.UpsertFields{
		SessionID:  req.SessionID,
		ParentPID:  req.ParentPID,
		PID:        req.PID,
		StartTime:  req.StartTime,
		WorkingDir: req.WorkingDir,
		Label:      req.Label,
		Notify:     req.Notify,
		Transport:  req.transportFields.toTransport(),
	})
	if err != nil {
		s.logger.Error("session-start upsert failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

type stopRequest struct {
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Summary   string `json:"summary,omitempty"`
	Message   string `json:"message,omitempty"`
	Label     string `json:"label,omitempty"`
}

type stopResponse struct {
	OK       bool `json:"ok"`
	Notified bool `json:"notified"`
}

// handleStop sends a notification if the session's notify flag is set,
// minting a fresh reply token bound to the session so the recipient can
// route a command back without re-identifying it.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.SessionID == "" || req.Event == "" {
		writeError(w, http.StatusBadRequest, "session_id and event are required")
		return
	}

	sess, err := s.registry.Get(r.Context(), req.SessionID)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session-not-found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if err := s.registry.Stop(r.Context(), req.SessionID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		s.logger.Warn("marking session stopped failed", "session_id", req.SessionID, "error", err)
	}

	if !sess.Notify {
		writeJSON(w, http.StatusOK, stopResponse{OK: true, Notified: false})
		return
	}

	if s.stopSeen.CheckAndMark(stopEventKey{sessionID: req.SessionID, event: req.Event}) {
		writeJSON(w, http.StatusOK, stopResponse{OK: true, Notified: false})
		return
	}

	text := req.Summary
	if text == "" {
		text = req.Message
	}
	if text == "" {
		text = req.Event
	}

	tok, err := s.tokens.Mint(r.Context(), req.SessionID, s.chatID, s.replyTokenTTL, tokens.Context{"event": req.Event})
	if err != nil {
		s.logger.Error("minting reply token failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, stopResponse{OK: true, Notified: false})
		return
	}

	if err := s.notifier.Notify(r.Context(), req.SessionID, s.chatID, text, tok.Value, s.replyTokenTTL); err != nil {
		s.logger.Error("notify failed", "session_id", req.SessionID, "error", err)
		writeJSON(w, http.StatusOK, stopResponse{OK: true, Notified: false})
		return
	}

	writeJSON(w, http.StatusOK, stopResponse{OK: true, Notified: true})
}

type enableNotifyRequest struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
	transportFields
}

func (s *Server) handleEnableNotify(w http.ResponseWriter, r *http.Request) {
	var req enableNotifyRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.registry.EnableNotify(r.Context(), req.SessionID, req.Label, req.transportFields.toTransport()); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session-not-found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly := q.Get("active") == "true"
	notifyOnly := q.Get("notify") == "true"

	sessions, err := s.registry.List(r.Context(), activeOnly, notifyOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session-not-found")
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session-not-found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Touch(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session-not-found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type validateTokenRequest struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

// handleValidateToken never distinguishes not-found, expired, and
// chat-id-mismatch in its response: all three collapse to the same
// generic failure so a caller cannot probe for a token's existence in a
// chat it doesn't belong to.
func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	var req validateTokenRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.Token == "" || req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "token and chat_id are required")
		return
	}

	tok, err := s.tokens.Validate(r.Context(), req.Token, req.ChatID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"session_id": tok.SessionID,
		"context":    tok.Context,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	expired, err := s.registry.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	prunedTokens, err := s.tokens.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"expired_sessions": len(expired),
		"pruned_tokens":    prunedTokens,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady checks that the session registry is actually reachable,
// unlike handleHealth which only confirms the process is up.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.registry.List(r.Context(), false, false); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("registry unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
