// ABOUTME: Command Injector: delivers a text command into a session's terminal
// ABOUTME: Selects an adapter by transport descriptor priority with an editor-rpc->multiplexer fallback chain

package injector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaykeep/relaykeep/internal/registry"
)

// ErrUnsupportedTransport is returned when no adapter can handle a
// session's transport descriptor at all (not even via fallback).
var ErrUnsupportedTransport = errors.New("unsupported transport")

// defaultTimeout bounds an adapter-specific injection call, per the
// cancellation & timeout model's 10s default for in-flight injector
// operations.
const defaultTimeout = 10 * time.Second

// Result reports the outcome of one inject call.
type Result struct {
	OK        bool
	Error     string
	Transport registry.TransportKind
}

// Adapter delivers text into one kind of terminal transport.
type Adapter interface {
	Inject(ctx context.Context, t registry.Transport, text string) Result
	// Capture returns recent terminal output if the adapter supports it;
	// pseudo-terminal adapters do not.
	Capture(ctx context.Context, t registry.Transport, lines int) (string, bool, error)
}

// Injector selects and invokes the right Adapter for a session's
// transport descriptor, falling back from editor-rpc to multiplexer when
// the session carries a fallback descriptor and the primary adapter fails.
// Adapter failures are never retried here; the caller (the Agent) decides
// whether to leave the inbox entry unmarked for replay.
type Injector struct {
	editorRPC   Adapter
	multiplexer Adapter
	pseudoTTY   Adapter
}

// New builds an Injector from its three adapters. Any of them may be nil
// if that transport is unsupported on this platform.
func New(editorRPC, multiplexer, pseudoTTY Adapter) *Injector {
	return &Injector{editorRPC: editorRPC, multiplexer: multiplexer, pseudoTTY: pseudoTTY}
}

// Inject delivers text into sess's terminal, applying the selection and
// fallback rules: editor-rpc first if present (falling back to its
// secondary multiplexer descriptor on failure), multiplexer directly if
// that is the session's kind, pseudo-terminal only otherwise.
func (i *Injector) Inject(ctx context.Context, sess *registry.Session, text string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	switch sess.Transport.Kind {
	case registry.TransportEditorRPC:
		if i.editorRPC == nil {
			return Result{}, fmt.Errorf("%w: terminal-editor-rpc adapter not available", ErrUnsupportedTransport)
		}
		res := i.editorRPC.Inject(ctx, sess.Transport, text)
		if res.OK {
			return res, nil
		}
		if sess.Transport.Fallback != nil && i.multiplexer != nil {
			return i.multiplexer.Inject(ctx, *sess.Transport.Fallback, text), nil
		}
		return res, nil

	case registry.TransportMultiplexer:
		if i.multiplexer == nil {
			return Result{}, fmt.Errorf("%w: terminal-multiplexer adapter not available", ErrUnsupportedTransport)
		}
		return i.multiplexer.Inject(ctx, sess.Transport, text), nil

	case registry.TransportPseudoTTY:
		if i.pseudoTTY == nil {
			return Result{}, fmt.Errorf("%w: pseudo-terminal adapter not available", ErrUnsupportedTransport)
		}
		return i.pseudoTTY.Inject(ctx, sess.Transport, text), nil

	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedTransport, sess.Transport.Kind)
	}
}
