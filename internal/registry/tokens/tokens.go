// ABOUTME: ReplyToken minting/validation and the ReplyKeyMap used to route chat replies to tokens
// ABOUTME: Tokens are opaque, 16 bytes of crypto/rand entropy, URL-safe base64 encoded

package tokens

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultTTL = 24 * time.Hour

// Validation outcomes, named so callers can distinguish a hard security
// failure (chat-id mismatch) from an ordinary not-found/expired case.
var (
	ErrNotFound       = errors.New("not-found")
	ErrExpired        = errors.New("expired")
	ErrChatIDMismatch = errors.New("chat-id-mismatch")
)

// Context is opaque metadata a caller attaches at mint time and receives
// back from a successful validate, e.g. {event-kind, summary}.
type Context map[string]string

// Token is one minted ReplyToken binding.
type Token struct {
	Value     string
	SessionID string
	ChatID    string
	Context   Context
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store mints, validates, and revokes ReplyTokens, and maintains the
// ReplyKeyMap used to resolve a reply-to-message back to its token.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or reopens the token database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating token store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening token database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS reply_tokens (
	token TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	context_json TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reply_tokens_session ON reply_tokens(session_id);
CREATE INDEX IF NOT EXISTS idx_reply_tokens_expires ON reply_tokens(expires_at);

CREATE TABLE IF NOT EXISTS reply_key_map (
	channel_id TEXT NOT NULL,
	reply_key TEXT NOT NULL,
	token TEXT NOT NULL,
	PRIMARY KEY (channel_id, reply_key)
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating token schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Mint generates a fresh opaque token and binds it to (sessionID, chatID).
// The token is 16 bytes of crypto/rand entropy, URL-safe base64 encoded —
// globally unique with overwhelming probability on the birthday bound of
// 128 random bits.
func (s *Store) Mint(ctx context.Context, sessionID, chatID string, ttl time.Duration, tokCtx Context) (*Token, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating token entropy: %w", err)
	}
	value := base64.RawURLEncoding.EncodeToString(raw)

	contextJSON, err := json.Marshal(tokCtx)
	if err != nil {
		return nil, fmt.Errorf("marshaling token context: %w", err)
	}

	now := time.Now().UTC()
	tok := &Token{
		Value:     value,
		SessionID: sessionID,
		ChatID:    chatID,
		Context:   tokCtx,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reply_tokens (token, session_id, chat_id, context_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, tok.Value, tok.SessionID, tok.ChatID, string(contextJSON), tok.CreatedAt, tok.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("storing token: %w", err)
	}

	return tok, nil
}

// Validate checks a token for existence, expiry, and chat-id binding. A
// chat-id mismatch is a hard failure distinct from not-found, so callers
// can reply in the requesting chat without ever confirming or denying
// that the token exists for a different chat.
func (s *Store) Validate(ctx context.Context, value, chatID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token, session_id, chat_id, context_json, created_at, expires_at
		FROM reply_tokens WHERE token = ?
	`, value)

	var tok Token
	var contextJSON string
	if err := row.Scan(&tok.Value, &tok.SessionID, &tok.ChatID, &contextJSON, &tok.CreatedAt, &tok.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up token: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &tok.Context); err != nil {
		return nil, fmt.Errorf("unmarshaling token context: %w", err)
	}

	if !time.Now().UTC().Before(tok.ExpiresAt) {
		return nil, ErrExpired
	}
	if tok.ChatID != chatID {
		return nil, ErrChatIDMismatch
	}
	return &tok, nil
}

// Revoke deletes a token outright.
func (s *Store) Revoke(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM reply_tokens WHERE token = ?`, value)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// DeleteForSession removes every token bound to sessionID, used when a
// Session is deleted from the Registry.
func (s *Store) DeleteForSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM reply_tokens WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session tokens: %w", err)
	}
	return nil
}

// CleanupExpired removes every token past its expiry.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM reply_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// BindReplyKey records that replying to replyKey in channelID should be
// treated as a reply against token. Single-use: ResolveReplyKey consumes
// the mapping on lookup.
func (s *Store) BindReplyKey(ctx context.Context, channelID, replyKey, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reply_key_map (channel_id, reply_key, token) VALUES (?, ?, ?)
		ON CONFLICT(channel_id, reply_key) DO UPDATE SET token = excluded.token
	`, channelID, replyKey, token)
	if err != nil {
		return fmt.Errorf("binding reply key: %w", err)
	}
	return nil
}

// ResolveReplyKey looks up and consumes the token bound to (channelID,
// replyKey).
func (s *Store) ResolveReplyKey(ctx context.Context, channelID, replyKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var token string
	err := s.db.QueryRowContext(ctx, `
		SELECT token FROM reply_key_map WHERE channel_id = ? AND reply_key = ?
	`, channelID, replyKey).Scan(&token)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolving reply key: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM reply_key_map WHERE channel_id = ? AND reply_key = ?
	`, channelID, replyKey); err != nil {
		return "", fmt.Errorf("consuming reply key: %w", err)
	}

	return token, nil
}
