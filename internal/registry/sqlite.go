// ABOUTME: SQLite implementation of the Session Registry using modernc.org/sqlite
// ABOUTME: A process-wide mutex serializes writes; SQLite's own transaction model backs reads

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sessionTTL = 24 * time.Hour

// SQLiteRegistry implements Registry. Writes are serialized through mu,
// grounded on the spec's "per-table exclusive lock for writes" requirement;
// readers query the database directly without holding mu, giving them a
// consistent snapshot via SQLite's own transaction isolation.
type SQLiteRegistry struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *slog.Logger
	tokens TokenDeleter
}

// SetTokenDeleter wires the cascade target for Delete/CleanupExpired. Call
// once after NewSQLiteRegistry, before serving requests; the daemon that
// owns both the session store and the token store is responsible for this.
func (r *SQLiteRegistry) SetTokenDeleter(d TokenDeleter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = d
}

// NewSQLiteRegistry opens (creating if needed) the registry database at path.
func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	logger := slog.Default().With("component", "registry")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening registry database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	parent_pid INTEGER NOT NULL DEFAULT 0,
	pid INTEGER NOT NULL DEFAULT 0,
	start_time DATETIME,
	working_dir TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	notify INTEGER NOT NULL DEFAULT 0,
	transport_json TEXT NOT NULL DEFAULT '{}',
	state TEXT NOT NULL DEFAULT 'running' CHECK (state IN ('running', 'stopped')),
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_seen DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_parent_pid ON sessions(parent_pid);
CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating registry schema: %w", err)
	}

	return &SQLiteRegistry{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

func (r *SQLiteRegistry) Upsert(ctx context.Context, f UpsertFields) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.getLocked(ctx, f.SessionID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	sess := Session{
		SessionID:  f.SessionID,
		ParentPID:  f.ParentPID,
		PID:        f.PID,
		StartTime:  f.StartTime,
		WorkingDir: f.WorkingDir,
		Label:      f.Label,
		State:      StateRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
		LastSeen:   now,
		ExpiresAt:  now.Add(sessionTTL),
	}
	if f.Transport != nil {
		sess.Transport = resolveTransportPriority(*f.Transport)
	}

	if existing != nil {
		sess.CreatedAt = existing.CreatedAt
		sess.State = existing.State
		if f.ParentPID == 0 {
			sess.ParentPID = existing.ParentPID
		}
		if f.PID == 0 {
			sess.PID = existing.PID
		}
		if f.StartTime.IsZero() {
			sess.StartTime = existing.StartTime
		}
		if f.WorkingDir == "" {
			sess.WorkingDir = existing.WorkingDir
		}
		if f.Label == "" {
			sess.Label = existing.Label
		}
		if f.Transport == nil {
			sess.Transport = existing.Transport
		}
		sess.Notify = existing.Notify
	}
	if f.Notify != nil {
		sess.Notify = *f.Notify
	}

	transportJSON, err := json.Marshal(sess.Transport)
	if err != nil {
		return nil, fmt.Errorf("marshaling transport descriptor: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, parent_pid, pid, start_time, working_dir, label, notify, transport_json, state, created_at, updated_at, last_seen, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			parent_pid = excluded.parent_pid,
			pid = excluded.pid,
			start_time = excluded.start_time,
			working_dir = excluded.working_dir,
			label = excluded.label,
			notify = excluded.notify,
			transport_json = excluded.transport_json,
			updated_at = excluded.updated_at,
			last_seen = excluded.last_seen,
			expires_at = excluded.expires_at
	`, sess.SessionID, sess.ParentPID, sess.PID, nullableTime(sess.StartTime), sess.WorkingDir, sess.Label,
		boolToInt(sess.Notify), string(transportJSON), string(sess.State), sess.CreatedAt, sess.UpdatedAt, sess.LastSeen, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}

	return &sess, nil
}

// resolveTransportPriority is a no-op beyond normalizing an unset Kind to
// Unknown; priority is consulted by the Injector at selection time rather
// than rewritten here, since a session may legitimately carry a primary
// descriptor plus a distinct fallback.
func resolveTransportPriority(t Transport) Transport {
	if t.Kind == "" {
		t.Kind = TransportUnknown
	}
	return t
}

func (r *SQLiteRegistry) Get(ctx context.Context, id string) (*Session, error) {
	return r.getLocked(ctx, id)
}

// getLocked performs the actual read; named for the fact that callers
// holding mu during an upsert call it directly without re-locking.
func (r *SQLiteRegistry) getLocked(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, parent_pid, pid, start_time, working_dir, label, notify, transport_json, state, created_at, updated_at, last_seen, expires_at
		FROM sessions WHERE session_id = ?
	`, id)
	return scanSession(row)
}

func (r *SQLiteRegistry) GetByParentPID(ctx context.Context, ppid int) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, parent_pid, pid, start_time, working_dir, label, notify, transport_json, state, created_at, updated_at, last_seen, expires_at
		FROM sessions WHERE parent_pid = ? ORDER BY last_seen DESC LIMIT 1
	`, ppid)
	return scanSession(row)
}

func (r *SQLiteRegistry) List(ctx context.Context, activeOnly, notifyOnly bool) ([]*Session, error) {
	query := `SELECT session_id, parent_pid, pid, start_time, working_dir, label, notify, transport_json, state, created_at, updated_at, last_seen, expires_at FROM sessions WHERE 1=1`
	var args []any
	if activeOnly {
		query += ` AND state = ?`
		args = append(args, string(StateRunning))
	}
	if notifyOnly {
		query += ` AND notify = 1`
	}
	query += ` ORDER BY last_seen DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (r *SQLiteRegistry) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET last_seen = ?, expires_at = ? WHERE session_id = ?
	`, now, now.Add(sessionTTL), id)
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

func (r *SQLiteRegistry) EnableNotify(ctx context.Context, id, label string, transport *Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.getLocked(ctx, id)
	if err != nil {
		return err
	}

	t := existing.Transport
	if transport != nil {
		t = resolveTransportPriority(*transport)
	}
	transportJSON, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshaling transport descriptor: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE sessions SET notify = 1, label = ?, transport_json = ?, updated_at = ? WHERE session_id = ?
	`, label, string(transportJSON), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("enabling notify: %w", err)
	}
	return nil
}

func (r *SQLiteRegistry) Stop(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET state = 'stopped', updated_at = ? WHERE session_id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("stopping session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stopping session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(ctx, id)
}

// deleteLocked assumes mu is already held; CleanupExpired calls it once
// per expired id without re-acquiring the lock per iteration.
func (r *SQLiteRegistry) deleteLocked(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	if r.tokens != nil {
		if err := r.tokens.DeleteForSession(ctx, id); err != nil {
			return fmt.Errorf("cascading token deletion: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRegistry) CleanupExpired(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `SELECT session_id FROM sessions WHERE expires_at < ?`, time.Now().UTC())
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
		if err := r.deleteLocked(ctx, id); err != nil && err != ErrNotFound {
			return nil, fmt.Errorf("deleting expired session %s: %w", id, err)
		}
	}
	return ids, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	return scanInto(row)
}

func scanSessionRows(rows *sql.Rows) (*Session, error) {
	return scanInto(rows)
}

func scanInto(s scannable) (*Session, error) {
	var sess Session
	var startTime sql.NullTime
	var state, transportJSON string
	var notify int
	if err := s.Scan(&sess.SessionID, &sess.ParentPID, &sess.PID, &startTime, &sess.WorkingDir, &sess.Label,
		&notify, &transportJSON, &state, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastSeen, &sess.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if startTime.Valid {
		sess.StartTime = startTime.Time
	}
	sess.Notify = notify != 0
	sess.State = State(state)
	if err := json.Unmarshal([]byte(transportJSON), &sess.Transport); err != nil {
		return nil, fmt.Errorf("unmarshaling transport descriptor: %w", err)
	}
	return &sess, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
