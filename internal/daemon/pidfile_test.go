package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

func TestClaimPIDFileWritesCurrentPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, claimPIDFile(path))

	pid, ok := readPIDFile(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

// TestClaimPIDFileRefusesWhenNamedProcessAlive covers scenario S4: a PID
// file naming the current test process (always alive) must cause a
// refusal without modifying the file.
func TestClaimPIDFileRefusesWhenNamedProcessAlive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))

	err := claimPIDFile(path)
	require.Error(t, err)
	assert.Equal(t, errs.DaemonAlreadyRunning, errs.CodeOf(err))

	raw, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(raw), "pid file must be untouched on refusal")
}

func TestClaimPIDFileOverwritesStaleEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	// pid 999999 is astronomically unlikely to be alive in a test sandbox.
	require.NoError(t, os.WriteFile(path, []byte("999999"), 0o644))

	require.NoError(t, claimPIDFile(path))
	pid, ok := readPIDFile(path)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRemovePIDFileIgnoresMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.pid")
	assert.NoError(t, removePIDFile(path))
}
