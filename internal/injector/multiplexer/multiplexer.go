// ABOUTME: Terminal-multiplexer adapter: addresses a pane by stable identifier, falling back to session-name
// ABOUTME: Sends a clear-line key, the command text (no shell interpretation), then return, with inter-step delays

package multiplexer

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/relaykeep/relaykeep/internal/injector"
	"github.com/relaykeep/relaykeep/internal/registry"
)

// interStepDelay gives the program under the pane time to consume each
// key sequence before the next one arrives.
const interStepDelay = 50 * time.Millisecond

// runner abstracts process execution so tests can substitute a fake.
type runner func(ctx context.Context, args ...string) error

// Adapter implements injector.Adapter by shelling out to the
// multiplexer's own pane-addressing CLI (e.g. `tmux send-keys -t <pane>`).
type Adapter struct {
	binary string
	run    runner
}

// New returns an Adapter driving the given multiplexer binary (e.g. "tmux").
func New(binary string) *Adapter {
	a := &Adapter{binary: binary}
	a.run = func(ctx context.Context, args ...string) error {
		cmd := exec.CommandContext(ctx, a.binary, args...)
		return cmd.Run()
	}
	return a
}

// target resolves the pane to address: the stable pane identifier if
// present, else the session-name fallback.
func target(t registry.Transport) (string, error) {
	if t.PaneIdentifier != "" {
		return t.PaneIdentifier, nil
	}
	if t.SessionName != "" {
		return t.SessionName, nil
	}
	return "", fmt.Errorf("no pane identifier or session name")
}

// Inject clears the current line, sends text literally, then a return.
func (a *Adapter) Inject(ctx context.Context, t registry.Transport, text string) injector.Result {
	pane, err := target(t)
	if err != nil {
		return injector.Result{OK: false, Error: err.Error(), Transport: registry.TransportMultiplexer}
	}

	if err := a.run(ctx, "send-keys", "-t", pane, "C-u"); err != nil {
		return injector.Result{OK: false, Error: fmt.Sprintf("clearing line: %v", err), Transport: registry.TransportMultiplexer}
	}
	time.Sleep(interStepDelay)

	if err := a.run(ctx, "send-keys", "-t", pane, "-l", text); err != nil {
		return injector.Result{OK: false, Error: fmt.Sprintf("sending text: %v", err), Transport: registry.TransportMultiplexer}
	}
	time.Sleep(interStepDelay)

	if err := a.run(ctx, "send-keys", "-t", pane, "Enter"); err != nil {
		return injector.Result{OK: false, Error: fmt.Sprintf("sending return: %v", err), Transport: registry.TransportMultiplexer}
	}

	return injector.Result{OK: true, Transport: registry.TransportMultiplexer}
}

// Capture is unimplemented for now: no session has required it yet.
func (a *Adapter) Capture(ctx context.Context, t registry.Transport, lines int) (string, bool, error) {
	return "", false, fmt.Errorf("capture not supported by multiplexer adapter")
}
