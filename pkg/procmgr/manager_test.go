package procmgr

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/eventbus"
)

func newTestManager(t *testing.T) (*Manager, *eventbus.Bus) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bus := eventbus.New(log)
	return New(bus, log, nil), bus
}

// writeScript creates an executable shell script in t.TempDir and returns
// its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// TestStartThenList covers scenario S1.
func TestStartThenList(t *testing.T) {
	m, _ := newTestManager(t)
	script := writeScript(t, "sleep 5\n")

	info, err := m.Start(context.Background(), Config{Name: "w", Script: script, Mode: ModeFork, Instances: 1})
	require.NoError(t, err)
	assert.Equal(t, "w", info.Name)
	assert.Equal(t, "w", info.ID)
	assert.Equal(t, StatusOnline, info.Status)
	assert.Equal(t, ModeFork, info.Mode)
	assert.Equal(t, 1, info.Instances)
	assert.Equal(t, 1, info.RunningInstances)
	assert.Greater(t, info.PID, 0)
	assert.Equal(t, []int{info.PID}, info.PIDs)
	assert.Equal(t, 0, info.RestartCount)
	assert.Equal(t, script, info.Script)
	assert.False(t, info.CreatedAt.IsZero())

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, "w", list[0].Name)

	require.NoError(t, m.Stop(context.Background(), "w", nil, time.Second))
}

// TestStopUnknownProcess covers scenario S2.
func TestStopUnknownProcess(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Stop(context.Background(), "ghost", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.ProcessNotFound, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "ghost")
}

// TestAutoRestartOnCrashExhaustsMaxRestarts covers scenario S3: a process
// that exits with code 1 shortly after start restarts up to maxRestarts
// times and then becomes errored.
func TestAutoRestartOnCrashExhaustsMaxRestarts(t *testing.T) {
	m, bus := newTestManager(t)
	script := writeScript(t, "sleep 0.05\nexit 1\n")

	var exits int
	done := make(chan struct{})
	bus.Subscribe("process:error", func(ctx context.Context, event string, data any) error {
		close(done)
		return nil
	})
	bus.Subscribe("process:exit", func(ctx context.Context, event string, data any) error {
		exits++
		return nil
	})

	_, err := m.Start(context.Background(), Config{
		Name: "crasher", Script: script, Mode: ModeFork,
		Restart: RestartAlways, MaxRestarts: 3, RestartDelay: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process did not become errored after exhausting restarts")
	}

	info, err := m.Info("crasher")
	require.NoError(t, err)
	assert.Equal(t, StatusErrored, info.Status)
	assert.Equal(t, 3, info.RestartCount)
}

// TestStopIdempotentOnAlreadyStopped covers testable property 8.
func TestStopIdempotentOnAlreadyStopped(t *testing.T) {
	m, _ := newTestManager(t)
	script := writeScript(t, "sleep 5\n")

	_, err := m.Start(context.Background(), Config{Name: "w", Script: script, Mode: ModeFork})
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "w", nil, time.Second))
	require.NoError(t, m.Stop(context.Background(), "w", nil, time.Second))

	info, err := m.Info("w")
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, info.Status)
}

// TestEventSequenceNeverRepeatsStartedWithoutStop covers testable
// property 5: started is never observed back-to-back without an
// intervening stop or exit.
func TestEventSequenceNeverRepeatsStartedWithoutStop(t *testing.T) {
	m, bus := newTestManager(t)
	script := writeScript(t, "sleep 5\n")

	var sequence []string
	bus.Subscribe("process:*", func(ctx context.Context, event string, data any) error {
		sequence = append(sequence, event)
		return nil
	})

	_, err := m.Start(context.Background(), Config{Name: "w", Script: script, Mode: ModeFork})
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "w", nil, time.Second))
	_, err = m.Start(context.Background(), Config{Name: "w", Script: script, Mode: ModeFork})
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "w", nil, time.Second))

	for i := 0; i+1 < len(sequence); i++ {
		if sequence[i] == "process:started" {
			assert.NotEqual(t, "process:started", sequence[i+1], "started must not repeat without an intervening stop/exit")
		}
	}
}

// TestClusterModeMaintainsInstanceCount covers testable property 6.
func TestClusterModeMaintainsInstanceCount(t *testing.T) {
	m, _ := newTestManager(t)
	script := writeScript(t, "sleep 5\n")

	info, err := m.Start(context.Background(), Config{Name: "cluster", Script: script, Mode: ModeCluster, Instances: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, info.RunningInstances)

	require.NoError(t, m.Stop(context.Background(), "cluster", nil, time.Second))
}

// TestClusterModeRespawnsOnlyExitedWorker covers spec.md:124: an
// unplanned exit in cluster mode must respawn only the worker that
// exited, leaving its siblings' records (and pids) untouched.
func TestClusterModeRespawnsOnlyExitedWorker(t *testing.T) {
	m, bus := newTestManager(t)
	script := writeScript(t, "sleep 5\n")

	info, err := m.Start(context.Background(), Config{
		Name: "cluster", Script: script, Mode: ModeCluster, Instances: 3,
		Restart: RestartAlways, RestartDelay: 50 * time.Millisecond, MaxRestarts: 5,
	})
	require.NoError(t, err)
	require.Len(t, info.PIDs, 3)
	survivors := map[int]bool{info.PIDs[0]: true, info.PIDs[2]: true}
	killed := info.PIDs[1]

	started := make(chan map[string]any, 1)
	bus.Subscribe("process:started", func(ctx context.Context, event string, data any) error {
		if payload, ok := data.(map[string]any); ok {
			if _, hasWorker := payload["worker"]; hasWorker {
				select {
				case started <- payload:
				default:
				}
			}
		}
		return nil
	})

	require.NoError(t, syscall.Kill(killed, syscall.SIGKILL))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("worker was not respawned")
	}

	updated, err := m.Info("cluster")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.RunningInstances, "respawn must not orphan the surviving workers")
	require.Len(t, updated.PIDs, 3)
	for _, pid := range updated.PIDs {
		if pid == killed {
			t.Fatalf("respawned worker reused the killed pid %d", pid)
		}
	}
	survivorCount := 0
	for _, pid := range updated.PIDs {
		if survivors[pid] {
			survivorCount++
		}
	}
	assert.Equal(t, 2, survivorCount, "surviving workers must not be restarted")

	require.NoError(t, m.Stop(context.Background(), "cluster", nil, time.Second))
}

// TestMinUptimeCompletesOnReadyMessage covers spec.md:106: a child
// writing "ready" on its ipc fd completes the wait well before
// minUptime elapses.
func TestMinUptimeCompletesOnReadyMessage(t *testing.T) {
	m, _ := newTestManager(t)
	script := writeScript(t, "echo ready >&3\nsleep 5\n")

	start := time.Now()
	info, err := m.Start(context.Background(), Config{Name: "w", Script: script, Mode: ModeFork, MinUptime: 2 * time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "ready message must complete the wait early")
	assert.Equal(t, StatusOnline, info.Status)

	require.NoError(t, m.Stop(context.Background(), "w", nil, time.Second))
}

// TestMinUptimeFailsStartOnTimeout covers spec.md:106: a child that
// never sends a ready message fails start once minUptime elapses.
func TestMinUptimeFailsStartOnTimeout(t *testing.T) {
	m, _ := newTestManager(t)
	script := writeScript(t, "sleep 5\n")

	_, err := m.Start(context.Background(), Config{Name: "w", Script: script, Mode: ModeFork, MinUptime: 100 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, errs.ProcessStartFailed, errs.CodeOf(err))
}
