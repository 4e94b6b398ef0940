// ABOUTME: Pseudo-terminal adapter: appends "text\n" to the device file
// ABOUTME: Used only when neither editor-rpc nor multiplexer transports are available; capture is unsupported

package pty

import (
	"context"
	"fmt"
	"os"

	"github.com/relaykeep/relaykeep/internal/injector"
	"github.com/relaykeep/relaykeep/internal/registry"
)

// Adapter implements injector.Adapter by writing directly to a pty device.
type Adapter struct{}

// New returns a pseudo-terminal Adapter.
func New() *Adapter {
	return &Adapter{}
}

// Inject appends text followed by a newline to t.DevicePath.
func (Adapter) Inject(ctx context.Context, t registry.Transport, text string) injector.Result {
	if t.DevicePath == "" {
		return injector.Result{OK: false, Error: "device path missing", Transport: registry.TransportPseudoTTY}
	}

	f, err := os.OpenFile(t.DevicePath, os.O_WRONLY, 0)
	if err != nil {
		return injector.Result{OK: false, Error: fmt.Sprintf("opening device: %v", err), Transport: registry.TransportPseudoTTY}
	}
	defer f.Close()

	if _, err := f.Write([]byte(text + "\n")); err != nil {
		return injector.Result{OK: false, Error: fmt.Sprintf("writing device: %v", err), Transport: registry.TransportPseudoTTY}
	}

	return injector.Result{OK: true, Transport: registry.TransportPseudoTTY}
}

// Capture is never supported on a raw pty device.
func (Adapter) Capture(ctx context.Context, t registry.Transport, lines int) (string, bool, error) {
	return "", false, nil
}
