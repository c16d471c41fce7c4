package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSilentServer builds a server that answers the handshake and
// then swallows every later request without replying.
func writeSilentServer(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
i=0
while read line; do
  i=$((i+1))
  if [ $i -eq 1 ]; then
    echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}'
  fi
done`
	path := filepath.Join(t.TempDir(), "silent.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestAdapterCanceledCallClearsPending(t *testing.T) {
	a := newAdapter("silent", writeSilentServer(t), nil, nil)
	require.NoError(t, a.start(context.Background()))
	t.Cleanup(a.stop)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.call(ctx, "tools/list", nil)
	require.ErrorIs(t, err, context.Canceled)

	a.mu.Lock()
	remaining := len(a.pending)
	a.mu.Unlock()
	assert.Zero(t, remaining, "canceled call left its pending entry behind")
}

func TestAdapterStopAfterNaturalExit(t *testing.T) {
	script := `#!/bin/sh
read line
echo '{"jsonrpc":"2.0","id":1,"result":{"protocolVersion":"2024-11-05"}}'
exit 0`
	path := filepath.Join(t.TempDir(), "oneshot.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	a := newAdapter("oneshot", path, nil, nil)
	require.NoError(t, a.start(context.Background()))

	// The process exits on its own; the reaper must mark it dead and
	// stop must return promptly instead of waiting on a live process.
	<-a.done
	assert.False(t, a.alive())
	a.stop()
}
