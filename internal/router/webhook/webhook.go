// ABOUTME: Inbound chat-platform webhook handler implementing the Router's routing algorithm
// ABOUTME: Dedups by update_id, classifies the update, resolves a session, and enqueues a command

package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/relaykeep/relaykeep/internal/chatprovider"
	"github.com/relaykeep/relaykeep/internal/metrics"
	"github.com/relaykeep/relaykeep/internal/router/hub"
	"github.com/relaykeep/relaykeep/internal/routerstore"
)

// Config bounds the routing algorithm's quota checks and access control.
// Per spec, an empty allowlist fails closed (denies everyone) rather than
// allowing everyone through by accident.
type Config struct {
	WebhookSecret         string
	AllowedChatIDs        map[string]bool
	AllowedUserIDs        map[string]bool
	MaxCommandLengthBytes int
	MaxQueuePerMachine    int
}

const (
	defaultMaxCommandLengthBytes = 10240
	defaultMaxQueuePerMachine    = 100
)

// tokenPattern matches the 8-30 URL-safe-char tokens minted by the
// registry (crypto/rand bytes, base64.RawURLEncoding).
var tokenPattern = regexp.MustCompile(`^([A-Za-z0-9_-]{8,30})\s+(.+)$`)

// Handler serves the chat platform's webhook endpoint.
type Handler struct {
	store    routerstore.Store
	hub      *hub.Manager
	provider chatprovider.Provider
	cfg      Config
	logger   *slog.Logger
}

// New builds a Handler. Zero-valued quota fields in cfg fall back to the
// documented defaults.
func New(store routerstore.Store, hubMgr *hub.Manager, provider chatprovider.Provider, cfg Config, logger *slog.Logger) *Handler {
	if cfg.MaxCommandLengthBytes <= 0 {
		cfg.MaxCommandLengthBytes = defaultMaxCommandLengthBytes
	}
	if cfg.MaxQueuePerMachine <= 0 {
		cfg.MaxQueuePerMachine = defaultMaxQueuePerMachine
	}
	return &Handler{store: store, hub: hubMgr, provider: provider, cfg: cfg, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.cfg.WebhookSecret != "" && r.Header.Get("X-Webhook-Secret") != h.cfg.WebhookSecret {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// Everything past this point always answers 2xx: the chat platform
	// retries aggressively on anything else, and dedup already makes
	// retries harmless.
	w.WriteHeader(http.StatusOK)
	h.route(r.Context(), body)
}

func (h *Handler) route(ctx context.Context, body []byte) {
	update, err := h.provider.ParseWebhook(body)
	if err != nil {
		h.logger.Warn("parsing webhook payload failed", "error", err)
		metrics.WebhookUpdatesTotal.WithLabelValues("parse-error").Inc()
		return
	}
	if update == nil || update.Kind == chatprovider.UpdateKindIgnored {
		metrics.WebhookUpdatesTotal.WithLabelValues("ignored").Inc()
		return
	}

	if update.UpdateID != "" {
		alreadySeen, err := h.store.MarkUpdateSeen(ctx, update.UpdateID)
		if err != nil {
			h.logger.Error("marking update seen failed", "error", err)
			metrics.WebhookUpdatesTotal.WithLabelValues("store-error").Inc()
			return
		}
		if alreadySeen {
			metrics.WebhookUpdatesTotal.WithLabelValues("dedup-dropped").Inc()
			return
		}
	}

	if !h.allowed(update.ChatID, update.UserID) {
		h.logger.Warn("rejecting update from disallowed chat/user", "chat_id", update.ChatID, "user_id", update.UserID)
		metrics.WebhookUpdatesTotal.WithLabelValues("disallowed").Inc()
		return
	}

	sessionID, commandText, ok := h.resolve(ctx, update)
	if !ok {
		metrics.WebhookUpdatesTotal.WithLabelValues("unresolved").Inc()
		return
	}

	if len(commandText) > h.cfg.MaxCommandLengthBytes {
		h.reply(ctx, update.ChatID, "Command too long.")
		metrics.WebhookUpdatesTotal.WithLabelValues("command-too-long").Inc()
		return
	}

	sess, err := h.store.GetSession(ctx, sessionID)
	if err != nil {
		h.reply(ctx, update.ChatID, "That session is no longer available.")
		metrics.WebhookUpdatesTotal.WithLabelValues("session-unavailable").Inc()
		return
	}

	queued, err := h.store.CountQueued(ctx, sess.MachineID)
	if err != nil {
		h.logger.Error("counting queue depth failed", "machine_id", sess.MachineID, "error", err)
		metrics.WebhookUpdatesTotal.WithLabelValues("store-error").Inc()
		return
	}
	if queued >= h.cfg.MaxQueuePerMachine {
		h.reply(ctx, update.ChatID, "Too many commands pending for that machine, try again shortly.")
		metrics.WebhookUpdatesTotal.WithLabelValues("queue-full").Inc()
		return
	}

	entry := &routerstore.CommandQueueEntry{
		MachineID:   sess.MachineID,
		SessionID:   sessionID,
		CommandText: commandText,
		ChatID:      update.ChatID,
		Status:      routerstore.QueueStatusQueued,
	}
	id, err := h.store.EnqueueCommand(ctx, entry)
	if err != nil {
		h.logger.Error("enqueueing command failed", "error", err)
		metrics.WebhookUpdatesTotal.WithLabelValues("enqueue-error").Inc()
		return
	}
	entry.ID = id
	metrics.WebhookUpdatesTotal.WithLabelValues("enqueued").Inc()
	metrics.QueueDepth.WithLabelValues(sess.MachineID).Set(float64(queued + 1))

	if dispatched, err := h.hub.Dispatch(ctx, sess.MachineID, entry); err != nil {
		h.logger.Error("dispatching to online machine failed", "machine_id", sess.MachineID, "error", err)
	} else if dispatched {
		metrics.QueueDepth.WithLabelValues(sess.MachineID).Set(0)
	}
}

func (h *Handler) allowed(chatID, userID string) bool {
	if len(h.cfg.AllowedChatIDs) == 0 {
		return false
	}
	if !h.cfg.AllowedChatIDs[chatID] {
		return false
	}
	if len(h.cfg.AllowedUserIDs) > 0 && userID != "" && !h.cfg.AllowedUserIDs[userID] {
		return false
	}
	return true
}

// resolve classifies the update per spec.md's routing algorithm and
// returns the session it targets along with the text to inject. ok is
// false when the update was handled terminally (help reply, invalid
// token, unrecognized shape) and no further processing is needed.
func (h *Handler) resolve(ctx context.Context, update *chatprovider.InboundUpdate) (sessionID, commandText string, ok bool) {
	switch {
	case update.Kind == chatprovider.UpdateKindCallback:
		return h.resolveCallback(ctx, update)

	case update.ReplyToID != "":
		sessionID, err := h.store.GetMessageSession(ctx, update.ReplyToID, update.ChatID)
		if err != nil {
			h.reply(ctx, update.ChatID, "I don't know which session that reply belongs to.")
			return "", "", false
		}
		return sessionID, update.Text, true

	default:
		return h.resolveTextCommand(ctx, update)
	}
}

func (h *Handler) resolveCallback(ctx context.Context, update *chatprovider.InboundUpdate) (string, string, bool) {
	data := update.Text
	if strings.HasPrefix(data, "personal:") {
		h.reply(ctx, update.ChatID, "Reply to the notification, or send \"/cmd TOKEN your text\".")
		return "", "", false
	}

	parts := strings.SplitN(data, ":", 3)
	if len(parts) != 3 || parts[0] != "cmd" {
		h.logger.Debug("unrecognized callback data", "data", data)
		return "", "", false
	}
	token, action := parts[1], parts[2]

	sessionID, err := h.validateToken(ctx, token, update.ChatID)
	if err != "" {
		return "", "", false
	}
	return sessionID, action, true
}

func (h *Handler) resolveTextCommand(ctx context.Context, update *chatprovider.InboundUpdate) (string, string, bool) {
	text := strings.TrimSpace(update.Text)
	text = strings.TrimPrefix(text, "/cmd ")

	m := tokenPattern.FindStringSubmatch(text)
	if m == nil {
		h.logger.Debug("unrecognized message shape, dropping", "chat_id", update.ChatID)
		return "", "", false
	}
	token, body := m[1], m[2]

	sessionID, errMsg := h.validateToken(ctx, token, update.ChatID)
	if errMsg != "" {
		return "", "", false
	}
	return sessionID, body, true
}

// validateToken resolves token to a session, replying with a deliberately
// generic error on any failure so a mismatch never reveals whether the
// token exists for a different chat (see spec.md's cross-chat boundary).
func (h *Handler) validateToken(ctx context.Context, token, chatID string) (sessionID string, errMsg string) {
	sessionID, err := h.store.ValidateReplyToken(ctx, token, chatID)
	if err != nil {
		h.reply(ctx, chatID, "That command link is no longer valid.")
		switch {
		case errors.Is(err, routerstore.ErrNotFound):
			return "", "not-found"
		case errors.Is(err, routerstore.ErrTokenExpired):
			return "", "expired"
		case errors.Is(err, routerstore.ErrTokenChatMismatch):
			return "", "chat-id-mismatch"
		default:
			return "", "error"
		}
	}
	return sessionID, ""
}

func (h *Handler) reply(ctx context.Context, chatID, text string) {
	if _, err := h.provider.Send(ctx, chatID, text); err != nil {
		h.logger.Warn("sending error reply failed", "chat_id", chatID, "error", err)
	}
}
