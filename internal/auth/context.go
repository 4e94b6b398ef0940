// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating identity via context

package auth

import "context"

// Identity holds the authenticated caller extracted from a request.
// There are two kinds of caller against the Router's HTTP surface: an
// operator holding the shared bearer key, and a machine presenting its
// bootstrap-minted JWT on the duplex upgrade.
type Identity struct {
	Kind      string // "operator" | "machine"
	MachineID string // set when Kind == "machine"
}

type identityContextKey struct{}

// WithAuth returns a new context with the Identity attached.
func WithAuth(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	val := ctx.Value(identityContextKey{})
	if val == nil {
		return nil
	}
	id, ok := val.(*Identity)
	if !ok {
		return nil
	}
	return id
}
