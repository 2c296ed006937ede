package shell

import (
	"context"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/worker"
)

func TestShellEcho(t *testing.T) {
	if _, err := exec.LookPath("echo"); err != nil {
		t.Skip("echo not available")
	}
	res, err := Shell{}.Handle(context.Background(), worker.Parameters{"command": "echo", "args": []any{"hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", res["output"])
}

func TestShellRequiresCommand(t *testing.T) {
	_, err := Shell{}.Handle(context.Background(), worker.Parameters{})
	require.Error(t, err)
}

func TestShellNonZeroExit(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	res, err := Shell{}.Handle(context.Background(), worker.Parameters{
		"command": "sh",
		"args":    []any{"-c", "echo oops >&2; exit 3"},
	})
	require.Error(t, err)
	assert.Equal(t, 3, res["exit_code"])
	assert.Equal(t, "oops\n", res["stderr"])
}

func TestShellEnvAndDir(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	res, err := Shell{}.Handle(context.Background(), worker.Parameters{
		"command": "sh",
		"args":    []any{"-c", `printf '%s %s' "$GREETING" "$(pwd)"`},
		"dir":     dir,
		"env":     map[string]any{"GREETING": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res["exit_code"])
	assert.Contains(t, res["output"], "hi ")
}

func TestShellMissingBinary(t *testing.T) {
	_, err := Shell{}.Handle(context.Background(), worker.Parameters{"command": "agentflow-no-such-binary"})
	require.Error(t, err)
}
