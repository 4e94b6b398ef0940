// ABOUTME: Durable at-most-once command inbox for the Machine Agent
// ABOUTME: INSERT-IF-ABSENT on command_id is what makes delivery idempotent across restarts

package agentinbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status enumerates the lifecycle of an InboxEntry.
type Status string

const (
	StatusReceived Status = "received"
	StatusDone     Status = "done"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("not found")

// Entry is one durable inbox row.
type Entry struct {
	CommandID  string
	ReceivedAt time.Time
	PayloadRaw []byte
	Status     Status
	UpdatedAt  time.Time
}

// Inbox wraps a SQLite-backed command log keyed by command_id.
type Inbox struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or reopens the inbox database at path.
func Open(path string) (*Inbox, error) {
	logger := slog.Default().With("component", "agentinbox")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating inbox directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening inbox database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS inbox (
	command_id TEXT PRIMARY KEY,
	received_at DATETIME NOT NULL,
	payload_json BLOB NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('received', 'done')),
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inbox_status ON inbox(status);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating inbox schema: %w", err)
	}

	return &Inbox{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (i *Inbox) Close() error {
	return i.db.Close()
}

// InsertIfAbsent writes a new entry for commandID. It reports whether the
// row was newly inserted; false means this command_id has already been
// seen and must not be executed again.
func (i *Inbox) InsertIfAbsent(ctx context.Context, commandID string, payload []byte) (inserted bool, err error) {
	now := time.Now().UTC()
	res, err := i.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox (command_id, received_at, payload_json, status, updated_at)
		VALUES (?, ?, ?, 'received', ?)
	`, commandID, now, payload, now)
	if err != nil {
		return false, fmt.Errorf("inserting inbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting inbox entry: %w", err)
	}
	return n == 1, nil
}

// MarkDone transitions an entry to done after the Injector reports success.
func (i *Inbox) MarkDone(ctx context.Context, commandID string) error {
	_, err := i.db.ExecContext(ctx, `
		UPDATE inbox SET status = 'done', updated_at = ? WHERE command_id = ?
	`, time.Now().UTC(), commandID)
	if err != nil {
		return fmt.Errorf("marking inbox entry done: %w", err)
	}
	return nil
}

// ListUndone returns all non-done entries in insertion order, for replay
// on startup.
func (i *Inbox) ListUndone(ctx context.Context) ([]*Entry, error) {
	rows, err := i.db.QueryContext(ctx, `
		SELECT command_id, received_at, payload_json, status, updated_at
		FROM inbox WHERE status != 'done' ORDER BY received_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing undone entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var status string
	if err := rows.Scan(&e.CommandID, &e.ReceivedAt, &e.PayloadRaw, &status, &e.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning inbox entry: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}

// Prune deletes done entries older than olderThan.
func (i *Inbox) Prune(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := i.db.ExecContext(ctx, `
		DELETE FROM inbox WHERE status = 'done' AND updated_at < ?
	`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning inbox: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
