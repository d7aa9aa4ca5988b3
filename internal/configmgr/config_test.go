package configmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

func TestValidateRejectsMissingNameOrScript(t *testing.T) {
	err := Validate(Config{Apps: []ProcessFragment{{Script: "run.sh"}}})
	require.Error(t, err)
	assert.Equal(t, errs.ConfigValidation, errs.CodeOf(err))

	err = Validate(Config{Apps: []ProcessFragment{{Name: "web"}}})
	require.Error(t, err)
	assert.Equal(t, errs.ConfigValidation, errs.CodeOf(err))
}

func TestValidateAcceptsCompleteApps(t *testing.T) {
	err := Validate(Config{Apps: []ProcessFragment{{Name: "web", Script: "run.sh"}}})
	require.NoError(t, err)
}

func TestResolveFillsDaemonDefaults(t *testing.T) {
	out := Resolve(Config{})
	assert.Equal(t, defaultSocketPath, out.Daemon.SocketPath)
	assert.Equal(t, defaultPIDFile, out.Daemon.PIDFile)
	assert.Equal(t, defaultLogDir, out.Daemon.LogDir)
	assert.Equal(t, defaultShutdownTimeout.Milliseconds(), int64(out.Daemon.ShutdownTimeout))
}

func TestResolvePreservesExplicitDaemonSettings(t *testing.T) {
	out := Resolve(Config{Daemon: DaemonSettings{SocketPath: "/tmp/custom.sock"}})
	assert.Equal(t, "/tmp/custom.sock", out.Daemon.SocketPath)
	assert.Equal(t, defaultPIDFile, out.Daemon.PIDFile)
}

func TestResolveMergesDefaultsOntoAppEntryEntryWins(t *testing.T) {
	delay := 250
	cfg := Config{
		Defaults: ProcessFragment{Mode: "fork", RestartDelay: &delay},
		Apps: []ProcessFragment{
			{Name: "web", Script: "web.sh", Mode: "cluster"},
		},
	}
	out := Resolve(cfg)
	require.Len(t, out.Apps, 1)
	assert.Equal(t, "cluster", out.Apps[0].Mode, "entry's mode must win over defaults")
	require.NotNil(t, out.Apps[0].RestartDelay)
	assert.Equal(t, 250, *out.Apps[0].RestartDelay, "unset entry fields fall back to defaults")
}
