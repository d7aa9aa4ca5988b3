package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

// DefaultPIDFile is the spec's default PID file path.
const DefaultPIDFile = "./opendaemon.pid"

// claimPIDFile implements spec §6's PID-file mutual exclusion: if path
// already names a live process, refuse to start without touching the
// file; otherwise (re)write it with the current process's pid.
func claimPIDFile(path string) error {
	if existing, ok := readPIDFile(path); ok && processAlive(existing) {
		return errs.Newf(errs.DaemonAlreadyRunning, "daemon already running with pid %d (pid file %s)", existing, path).
			WithContext("pid", existing).WithContext("pidFile", path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// readPIDFile returns the pid recorded at path, and whether the file was
// present and parseable.
func readPIDFile(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// processAlive reports whether pid names a live process, using a signal-0
// probe (the standard POSIX liveness check: no signal is actually sent,
// but delivery errors distinguish "gone" from "alive but not ours").
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// removePIDFile deletes path, ignoring a not-exist error (already
// removed, or never written).
func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", path, err)
	}
	return nil
}
