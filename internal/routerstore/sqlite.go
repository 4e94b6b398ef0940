// ABOUTME: SQLite implementation of the Router's Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/queue/dedup persistence with automatic schema creation

package routerstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite in WAL mode.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "routerstore")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("router store initialized", "path", path)
	return s, nil
}

var schemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	machine_id TEXT NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_machine ON sessions(machine_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	message_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (message_id, chat_id)
);

CREATE TABLE IF NOT EXISTS command_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	machine_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	command_text TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('queued', 'sent')),
	sent_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_queue_machine_status ON command_queue(machine_id, status, id);
CREATE INDEX IF NOT EXISTS idx_queue_session ON command_queue(session_id);

CREATE TABLE IF NOT EXISTS seen_updates (
	update_id TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_updates_received ON seen_updates(received_at);

CREATE TABLE IF NOT EXISTS reply_tokens (
	token TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	chat_id TEXT NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reply_tokens_session ON reply_tokens(session_id);
`

func (s *SQLiteStore) createSchema() error {
	_, err := s.db.Exec(schemaSQL)
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess *RouterSession) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, machine_id, label, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			machine_id = excluded.machine_id,
			label = CASE WHEN excluded.label != '' THEN excluded.label ELSE sessions.label END,
			updated_at = excluded.updated_at
	`, sess.SessionID, sess.MachineID, sess.Label, now, now)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := s.DeleteReplyTokensForSession(ctx, sessionID); err != nil {
		return err
	}
	return s.DeleteQueueEntriesForSession(ctx, sessionID)
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*RouterSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, machine_id, label, created_at, updated_at
		FROM sessions WHERE session_id = ?
	`, sessionID)
	var sess RouterSession
	if err := row.Scan(&sess.SessionID, &sess.MachineID, &sess.Label, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*RouterSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, machine_id, label, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*RouterSession
	for rows.Next() {
		var sess RouterSession
		if err := rows.Scan(&sess.SessionID, &sess.MachineID, &sess.Label, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_id = ?`, time.Now().UTC(), sessionID)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, session_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(message_id, chat_id) DO UPDATE SET session_id = excluded.session_id
	`, msg.MessageID, msg.ChatID, msg.SessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessageSession(ctx context.Context, messageID, chatID string) (string, error) {
	var sessionID string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id FROM messages WHERE message_id = ? AND chat_id = ?
	`, messageID, chatID).Scan(&sessionID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("looking up message: %w", err)
	}
	return sessionID, nil
}

// SaveReplyToken stores the Router's routing-only mirror of a token the
// Agent minted; see ReplyToken's doc comment for why this exists.
func (s *SQLiteStore) SaveReplyToken(ctx context.Context, tok *ReplyToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reply_tokens (token, session_id, chat_id, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			session_id = excluded.session_id,
			chat_id = excluded.chat_id,
			expires_at = excluded.expires_at
	`, tok.Token, tok.SessionID, tok.ChatID, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("saving reply token: %w", err)
	}
	return nil
}

// ValidateReplyToken checks existence, expiry, and chat_id binding, in that
// order, matching the registry's own Validate semantics so a caller sees
// the same error taxonomy regardless of which side resolved the token.
func (s *SQLiteStore) ValidateReplyToken(ctx context.Context, token, chatID string) (string, error) {
	var sessionID, boundChatID string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, chat_id, expires_at FROM reply_tokens WHERE token = ?
	`, token).Scan(&sessionID, &boundChatID, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("looking up reply token: %w", err)
	}
	if !time.Now().UTC().Before(expiresAt) {
		return "", ErrTokenExpired
	}
	if boundChatID != chatID {
		return "", ErrTokenChatMismatch
	}
	return sessionID, nil
}

func (s *SQLiteStore) DeleteReplyTokensForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reply_tokens WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session reply tokens: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredReplyTokens(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reply_tokens WHERE expires_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning expired reply tokens: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) EnqueueCommand(ctx context.Context, entry *CommandQueueEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO command_queue (machine_id, session_id, command_text, chat_id, created_at, status)
		VALUES (?, ?, ?, ?, ?, 'queued')
	`, entry.MachineID, entry.SessionID, entry.CommandText, entry.ChatID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("enqueueing command: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) CountQueued(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM command_queue WHERE machine_id = ? AND status = 'queued'
	`, machineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queue: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListQueued(ctx context.Context, machineID string) ([]*CommandQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, session_id, command_text, chat_id, created_at, status, sent_at
		FROM command_queue WHERE machine_id = ? AND status = 'queued' ORDER BY id ASC
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	defer rows.Close()

	var out []*CommandQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanQueueEntry(rows *sql.Rows) (*CommandQueueEntry, error) {
	var e CommandQueueEntry
	var status string
	var sentAt sql.NullTime
	if err := rows.Scan(&e.ID, &e.MachineID, &e.SessionID, &e.CommandText, &e.ChatID, &e.CreatedAt, &status, &sentAt); err != nil {
		return nil, fmt.Errorf("scanning queue entry: %w", err)
	}
	e.Status = CommandQueueStatus(status)
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	return &e, nil
}

func (s *SQLiteStore) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'sent', sent_at = ? WHERE id = ?
	`, sentAt, id)
	if err != nil {
		return fmt.Errorf("marking sent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteQueueEntry(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM command_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting queue entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteQueueEntriesForSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM command_queue WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session queue entries: %w", err)
	}
	return nil
}

// RequeueStaleSent rewrites entries stuck in "sent" beyond olderThan back
// to "queued" so the next connect-and-flush cycle retries them.
func (s *SQLiteStore) RequeueStaleSent(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE command_queue SET status = 'queued', sent_at = NULL
		WHERE status = 'sent' AND sent_at < ?
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeuing stale entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteDeadLetters permanently drops queue entries older than olderThan
// regardless of status.
func (s *SQLiteStore) DeleteDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_queue WHERE created_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("deleting dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// MarkUpdateSeen inserts the update id if absent. alreadySeen is true when
// a row for this update id already existed.
func (s *SQLiteStore) MarkUpdateSeen(ctx context.Context, updateID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO seen_updates (update_id, received_at) VALUES (?, ?)
	`, updateID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("marking update seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("marking update seen: %w", err)
	}
	return n == 0, nil
}

func (s *SQLiteStore) PruneSeenUpdates(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM seen_updates WHERE received_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning seen updates: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, lastSeenBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE updated_at < ?`, lastSeenBefore)
	if err != nil {
		return nil, fmt.Errorf("finding expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning expired session: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.DeleteSession(ctx, id); err != nil {
			return nil, fmt.Errorf("deleting expired session %s: %w", id, err)
		}
	}
	return ids, nil
}
