// ABOUTME: Non-webhook HTTP/JSON surface of the Edge Router: session CRUD, notifications, cleanup, bootstrap
// ABOUTME: Every endpoint requires the shared bearer key (/machines/register checks it inline)

package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaykeep/relaykeep/internal/auth"
	"github.com/relaykeep/relaykeep/internal/chatprovider"
	"github.com/relaykeep/relaykeep/internal/router/hub"
	"github.com/relaykeep/relaykeep/internal/routerstore"
)

// defaultReplyTokenTTL mirrors the registry's own default when the Agent
// omits token_ttl_seconds.
const defaultReplyTokenTTL = 24 * time.Hour

// Server holds the dependencies behind the Router's JSON handlers.
type Server struct {
	store       routerstore.Store
	hub         *hub.Manager
	provider    chatprovider.Provider
	issuer      *auth.JWTVerifier
	sharedKey   string
	maxSessions int
	bootToken   time.Duration
	logger      *slog.Logger
}

// New builds a Server. maxSessions enforces spec.md's soft cap on total
// RouterSessions; bootstrapTokenTTL bounds the JWT minted by /machines/register.
func New(store routerstore.Store, hubMgr *hub.Manager, provider chatprovider.Provider, issuer *auth.JWTVerifier, sharedKey string, maxSessions int, bootstrapTokenTTL time.Duration, logger *slog.Logger) *Server {
	return &Server{
		store:       store,
		hub:         hubMgr,
		provider:    provider,
		issuer:      issuer,
		sharedKey:   sharedKey,
		maxSessions: maxSessions,
		bootToken:   bootstrapTokenTTL,
		logger:      logger,
	}
}

// Routes mounts every non-webhook endpoint. The caller mounts the webhook
// and duplex-upgrade handlers separately, since those carry their own
// authentication schemes.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/machines/register", s.handleRegisterMachine)

	protected := auth.RequireSharedKey(s.sharedKey, s.logger)
	mux.Handle("/sessions", protected(http.HandlerFunc(s.handleSessionsCollection)))
	mux.Handle("/sessions/unregister", protected(http.HandlerFunc(s.handleUnregisterSession)))
	mux.Handle("/notifications", protected(http.HandlerFunc(s.handleSendNotification)))
	mux.Handle("/cleanup", protected(http.HandlerFunc(s.handleCleanup)))

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

// registerMachineRequest is the bootstrap request body.
type registerMachineRequest struct {
	MachineID string `json:"machine_id"`
}

type registerMachineResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in_seconds"`
}

// handleRegisterMachine exchanges the shared key for a machine-scoped JWT.
// This is the bootstrap exchange: the shared key authenticates the call,
// the minted JWT authenticates every subsequent duplex upgrade.
func (s *Server) handleRegisterMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || !auth.ConstantTimeEqual(token, s.sharedKey) {
		writeError(w, http.StatusUnauthorized, "invalid shared key")
		return
	}

	var req registerMachineRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "machine_id is required")
		return
	}

	signed, err := s.issuer.Generate(req.MachineID, s.bootToken)
	if err != nil {
		s.logger.Error("minting machine token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, registerMachineResponse{Token: signed, ExpiresIn: int64(s.bootToken.Seconds())})
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	Label     string `json:"label,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	MachineID string `json:"machine_id"`
	Label     string `json:"label,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func toSessionResponse(s *routerstore.RouterSession) sessionResponse {
	return sessionResponse{
		SessionID: s.SessionID,
		MachineID: s.MachineID,
		Label:     s.Label,
		CreatedAt: s.CreatedAt.Format(time.RFC3339),
		UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
	}
}

// handleSessionsCollection serves POST (register session) and GET (list
// sessions) against the same path, matching the table in spec.md §4.1.
func (s *Server) handleSessionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleRegisterSession(w, r)
	case http.MethodGet:
		s.handleListSessions(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.SessionID == "" || req.MachineID == "" {
		writeError(w, http.StatusBadRequest, "session_id and machine_id are required")
		return
	}

	if _, err := s.store.GetSession(r.Context(), req.SessionID); errors.Is(err, routerstore.ErrNotFound) {
		count, err := s.store.CountSessions(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if count >= s.maxSessions {
			writeError(w, http.StatusConflict, "session-limit-reached")
			return
		}
	}

	now := time.Now()
	sess := &routerstore.RouterSession{
		SessionID: req.SessionID,
		MachineID: req.MachineID,
		Label:     req.Label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertSession(r.Context(), sess); err != nil {
		s.logger.Error("upsert session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
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

func (s *Server) handleUnregisterSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeJSON(r.Body, &req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.store.DeleteQueueEntriesForSession(r.Context(), req.SessionID); err != nil {
		s.logger.Error("deleting queue entries failed", "session_id", req.SessionID, "error", err)
	}
	if err := s.store.DeleteSession(r.Context(), req.SessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type sendNotificationRequest struct {
	SessionID       string `json:"session_id"`
	ChatID          string `json:"chat_id"`
	Text            string `json:"text"`
	ReplyMarkup     any    `json:"reply_markup,omitempty"`
	Token           string `json:"token,omitempty"`
	TokenTTLSeconds int64  `json:"token_ttl_seconds,omitempty"`
}

// handleSendNotification posts plain text to the chat platform and records
// the message-to-session link used by the reply-to routing path. The
// Router mints nothing itself: when the Agent already minted a reply
// token for this notification, it is passed through here and mirrored
// into the Router's own store purely for webhook routing (see
// routerstore.ReplyToken's doc comment).
func (s *Server) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req sendNotificationRequest
	if err := decodeJSON(r.Body, &req); err != nil || req.SessionID == "" || req.ChatID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "session_id, chat_id and text are required")
		return
	}

	if _, err := s.store.GetSession(r.Context(), req.SessionID); err != nil {
		writeError(w, http.StatusNotFound, "session-not-found")
		return
	}
	if err := s.store.TouchSession(r.Context(), req.SessionID); err != nil {
		s.logger.Warn("touch session failed", "session_id", req.SessionID, "error", err)
	}

	messageID, err := s.provider.Send(r.Context(), req.ChatID, req.Text)
	if err != nil {
		s.logger.Error("chat platform send failed", "chat_id", req.ChatID, "error", err)
		writeError(w, http.StatusBadGateway, "chat-platform-error")
		return
	}

	if messageID != "" {
		if err := s.store.SaveMessage(r.Context(), &routerstore.Message{
			MessageID: messageID,
			SessionID: req.SessionID,
			ChatID:    req.ChatID,
			CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Error("saving message link failed", "error", err)
		}
	}

	if req.Token != "" {
		ttl := time.Duration(req.TokenTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = defaultReplyTokenTTL
		}
		if err := s.store.SaveReplyToken(r.Context(), &routerstore.ReplyToken{
			Token:     req.Token,
			SessionID: req.SessionID,
			ChatID:    req.ChatID,
			ExpiresAt: time.Now().Add(ttl),
		}); err != nil {
			s.logger.Error("mirroring reply token failed", "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	now := time.Now()
	expired, err := s.store.DeleteExpiredSessions(r.Context(), now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	requeued, err := s.store.RequeueStaleSent(r.Context(), now.Add(-1*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	deadLettered, err := s.store.DeleteDeadLetters(r.Context(), now.Add(-24*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	pruned, err := s.store.PruneSeenUpdates(r.Context(), now.Add(-1*time.Hour))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	prunedTokens, err := s.store.DeleteExpiredReplyTokens(r.Context(), now)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"expired_sessions": len(expired),
		"requeued":         requeued,
		"dead_lettered":    deadLettered,
		"pruned_updates":   pruned,
		"pruned_tokens":    prunedTokens,
	})
}
