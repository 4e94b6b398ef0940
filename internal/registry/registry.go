// ABOUTME: Session Registry interface: the workstation's source of truth for live sessions
// ABOUTME: Mutating operations serialize through a per-table lock; readers see a consistent snapshot

package registry

import "context"

// TokenDeleter cascades deletion of ReplyTokens bound to a session.
// Satisfied by *tokens.Store; a Registry wired without one leaves token
// cleanup to its caller.
type TokenDeleter interface {
	DeleteForSession(ctx context.Context, sessionID string) error
}

// Registry is the workstation-local store of live AI coding sessions.
type Registry interface {
	// Upsert merges fields into an existing session or creates a new one.
	// A supplied transport descriptor replaces the stored one as given (an
	// unset kind becomes unknown); no priority between descriptor kinds is
	// applied. Without a supplied descriptor the stored one is kept.
	Upsert(ctx context.Context, fields UpsertFields) (*Session, error)

	Get(ctx context.Context, id string) (*Session, error)
	GetByParentPID(ctx context.Context, ppid int) (*Session, error)

	// List returns sessions sorted by descending last-seen, optionally
	// filtered to active (state=running) and/or notify-enabled sessions.
	List(ctx context.Context, activeOnly, notifyOnly bool) ([]*Session, error)

	Touch(ctx context.Context, id string) error

	// EnableNotify sets the notify flag and label; returns ErrNotFound on
	// an unknown id rather than creating a session (no accidental creation).
	EnableNotify(ctx context.Context, id, label string, transport *Transport) error

	Stop(ctx context.Context, id string) error

	// Delete removes a session and cascades deletion of any tokens bound
	// to it.
	Delete(ctx context.Context, id string) error

	// CleanupExpired removes sessions past their expires_at and returns
	// the deleted ids.
	CleanupExpired(ctx context.Context) ([]string, error)

	Close() error
}
