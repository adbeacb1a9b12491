package observe

import (
	"context"
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleSelf(t *testing.T) {
	u, err := Sample(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.True(t, u.Running)
	assert.Greater(t, u.RSSBytes, uint64(0))
	assert.Greater(t, u.Threads, int32(0))
}

func TestAliveAfterExit(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "exit 0")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	assert.False(t, Alive(context.Background(), pid))
	assert.True(t, Alive(context.Background(), os.Getpid()))
}
