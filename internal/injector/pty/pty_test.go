package pty

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykeep/relaykeep/internal/registry"
)

func TestInjectWritesTextWithNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake-tty")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	a := New()
	res := a.Inject(context.Background(), registry.Transport{DevicePath: path}, "ls -la")
	require.True(t, res.OK)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ls -la\n", string(data))
}

func TestInjectMissingDevicePath(t *testing.T) {
	a := New()
	res := a.Inject(context.Background(), registry.Transport{}, "ls")
	assert.False(t, res.OK)
}

func TestInjectOpenFailure(t *testing.T) {
	a := New()
	res := a.Inject(context.Background(), registry.Transport{DevicePath: filepath.Join(t.TempDir(), "does-not-exist", "tty")}, "ls")
	assert.False(t, res.OK)
}

func TestCaptureUnsupported(t *testing.T) {
	a := New()
	out, ok, err := a.Capture(context.Background(), registry.Transport{}, 5)
	assert.Empty(t, out)
	assert.False(t, ok)
	assert.NoError(t, err)
}
