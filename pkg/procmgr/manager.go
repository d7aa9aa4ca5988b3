package procmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/eventbus"
)

const pollInterval = 100 * time.Millisecond

// runningChild is one OS child belonging to a logical process, spawned
// with stdio `[pipe,pipe,pipe,ipc]`: the fourth fd is a one-way pipe the
// child can write ready/status messages to.
type runningChild struct {
	cmd         *exec.Cmd
	workerIndex int
	startedAt   time.Time
	exited      chan struct{}
	waitErr     error

	ipcR    *os.File
	readyCh chan struct{}
}

// process is a Manager's internal record for one logical process.
type process struct {
	mu           sync.Mutex
	config       Config
	status       Status
	children     map[int]*runningChild
	restartCount int
	lastError    error
	createdAt    time.Time
	startTime    time.Time
	runID        string // changes on every (re)start; stale exit handlers check against it
}

// Manager implements the process-manager plugin's domain logic: spawn,
// supervise, restart-with-backoff, and cluster-mode fan-out.
type Manager struct {
	mu        sync.Mutex
	processes map[ProcessID]*process

	bus          *eventbus.Bus
	log          *slog.Logger
	metrics      MetricsCollector
	restartQueue restartQueue

	stopping      bool
	wg            sync.WaitGroup
	schedulerDone chan struct{}
}

// New creates a Manager. bus and log must not be nil; metrics may be nil,
// in which case a no-op collector is used. A background goroutine drains
// scheduled restarts as their backoff delay elapses; Shutdown stops it.
func New(bus *eventbus.Bus, log *slog.Logger, metrics MetricsCollector) *Manager {
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	m := &Manager{
		processes:     make(map[ProcessID]*process),
		bus:           bus,
		log:           log,
		metrics:       metrics,
		restartQueue:  newRestartQueue(),
		schedulerDone: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.runRestartScheduler()
	return m
}

// runRestartScheduler drains restartQueue as jobs become ready, replacing
// a per-exit timer goroutine with a single loop so every scheduled
// restart flows through one inspectable, metrics-backed queue.
func (m *Manager) runRestartScheduler() {
	defer m.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.schedulerDone:
			return
		case <-m.restartQueue.Wait():
		case <-ticker.C:
		}
		for _, job := range m.restartQueue.Ready() {
			m.executeRestart(job)
		}
	}
}

// executeRestart runs one scheduled restartJob, discarding it if the
// process has since been deleted or restarted under a different runID.
func (m *Manager) executeRestart(job restartJob) {
	m.mu.Lock()
	cur, ok := m.processes[job.id]
	m.mu.Unlock()
	if !ok {
		return
	}
	cur.mu.Lock()
	stale := cur.runID != job.runID
	cur.mu.Unlock()
	if stale {
		return
	}

	if job.cfg.Mode == ModeCluster {
		if err := m.respawnWorker(context.Background(), job.id, cur, job.runID, job.cfg, job.workerIndex); err != nil {
			m.log.Error("worker respawn failed", "name", job.id, "worker", job.workerIndex, "error", err)
		}
		return
	}
	if _, err := m.spawn(context.Background(), job.id, cur, job.cfg); err != nil {
		m.log.Error("restart failed", "name", job.id, "error", err)
	}
}

// Start validates cfg, spawns its children, and returns the resulting
// Info snapshot.
func (m *Manager) Start(ctx context.Context, cfg Config) (*Info, error) {
	if cfg.Name == "" {
		return nil, errs.New(errs.ProcessInvalidConfig, "name is required")
	}
	if cfg.Script == "" {
		return nil, errs.New(errs.ProcessInvalidConfig, "script is required").WithContext("name", cfg.Name)
	}
	cfg = cfg.withDefaults()

	id := ProcessID(cfg.Name)

	m.mu.Lock()
	p, exists := m.processes[id]
	if exists {
		p.mu.Lock()
		status := p.status
		p.mu.Unlock()
		if status == StatusOnline || status == StatusStarting {
			m.mu.Unlock()
			return nil, errs.Newf(errs.ProcessAlreadyExists, "process %q is already %s", cfg.Name, status).WithContext("name", cfg.Name)
		}
	} else {
		p = &process{children: make(map[int]*runningChild), createdAt: time.Now()}
		m.processes[id] = p
	}
	m.mu.Unlock()

	script, err := filepath.Abs(cfg.Script)
	if err != nil {
		return nil, errs.Newf(errs.ProcessInvalidConfig, "cannot resolve script path: %v", err).WithContext("name", cfg.Name)
	}
	if _, err := os.Stat(script); err != nil {
		return nil, errs.Newf(errs.ProcessInvalidConfig, "script does not exist: %s", script).WithContext("name", cfg.Name)
	}
	cfg.Script = script

	return m.spawn(ctx, id, p, cfg)
}

// spawn transitions p to starting, launches every worker, and on success
// transitions to online. On any failure it transitions to errored.
func (m *Manager) spawn(ctx context.Context, id ProcessID, p *process, cfg Config) (*Info, error) {
	p.mu.Lock()
	from := p.status
	p.status = StatusStarting
	p.config = cfg
	p.runID = uuid.NewString()
	runID := p.runID
	p.mu.Unlock()
	m.metrics.ProcessStateTransition(id, from, StatusStarting)

	instances := 1
	if cfg.Mode == ModeCluster {
		instances = cfg.Instances
	}

	children := make(map[int]*runningChild, instances)
	for i := 0; i < instances; i++ {
		child, err := m.launch(ctx, id, cfg, i, instances)
		if err != nil {
			for _, c := range children {
				_ = c.cmd.Process.Kill()
			}
			p.mu.Lock()
			p.status = StatusErrored
			p.lastError = err
			p.mu.Unlock()
			m.metrics.ProcessStateTransition(id, StatusStarting, StatusErrored)
			m.metrics.ProcessError(id, "spawn")
			return nil, err
		}
		children[i] = child
		go m.watchChild(id, runID, child)
	}

	p.mu.Lock()
	p.children = children
	p.status = StatusOnline
	p.startTime = time.Now()
	p.lastError = nil
	p.mu.Unlock()

	m.metrics.ProcessStateTransition(id, StatusStarting, StatusOnline)
	m.metrics.ProcessStarted(id, instances)
	m.bus.Publish("process:started", map[string]any{"name": string(id), "pid": firstPID(children)})

	return m.Info(string(id))
}

func (m *Manager) launch(ctx context.Context, id ProcessID, cfg Config, workerIndex, instances int) (*runningChild, error) {
	var cmd *exec.Cmd
	if cfg.Interpreter != "" {
		cmd = exec.Command(cfg.Interpreter, append([]string{cfg.Script}, cfg.Args...)...)
	} else {
		cmd = exec.Command(cfg.Script, cfg.Args...)
	}

	cwd := cfg.Cwd
	if cwd == "" {
		cwd = filepath.Dir(cfg.Script)
	}
	cmd.Dir = cwd

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if cfg.Mode == ModeCluster {
		env = append(env,
			fmt.Sprintf("WORKER_INDEX=%d", workerIndex),
			fmt.Sprintf("WORKER_COUNT=%d", instances),
		)
	}
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	ipcR, ipcW, err := os.Pipe()
	if err != nil {
		return nil, errs.Newf(errs.ProcessStartFailed, "failed to open ipc pipe for %q worker %d: %v", id, workerIndex, err).WithContext("name", string(id))
	}
	cmd.ExtraFiles = []*os.File{ipcW}

	if err := cmd.Start(); err != nil {
		ipcR.Close()
		ipcW.Close()
		return nil, errs.Newf(errs.ProcessStartFailed, "failed to start %q worker %d: %v", id, workerIndex, err).WithContext("name", string(id))
	}
	ipcW.Close() // the child holds its own duplicate of the write end

	child := &runningChild{
		cmd:         cmd,
		workerIndex: workerIndex,
		startedAt:   time.Now(),
		exited:      make(chan struct{}),
		ipcR:        ipcR,
		readyCh:     make(chan struct{}),
	}
	go runIPCReader(child)
	go func() {
		child.waitErr = cmd.Wait()
		close(child.exited)
	}()

	if cfg.MinUptime > 0 {
		if err := m.waitReady(ctx, child, cfg.MinUptime); err != nil {
			_ = cmd.Process.Kill()
			return nil, errs.Newf(errs.ProcessStartFailed, "%q worker %d did not become ready: %v", id, workerIndex, err).WithContext("name", string(id))
		}
	}

	return child, nil
}

// runIPCReader drains messages the child writes to its ipc fd,
// signalling readyCh the first time a ready message arrives so the
// child is never blocked writing into a full, unread pipe.
func runIPCReader(child *runningChild) {
	defer child.ipcR.Close()
	scanner := bufio.NewScanner(child.ipcR)
	for scanner.Scan() {
		if isReadyMessage(strings.TrimSpace(scanner.Text())) {
			select {
			case <-child.readyCh:
			default:
				close(child.readyCh)
			}
		}
	}
}

// isReadyMessage reports whether line is the literal string "ready" or
// a JSON object shaped like {"type":"ready"}.
func isReadyMessage(line string) bool {
	if line == "" {
		return false
	}
	if line == "ready" {
		return true
	}
	var msg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(line), &msg); err == nil && msg.Type == "ready" {
		return true
	}
	return false
}

// waitReady blocks until child sends a ready message on its ipc
// channel, minUptime elapses, child exits first, or ctx is cancelled.
func (m *Manager) waitReady(ctx context.Context, child *runningChild, minUptime time.Duration) error {
	timer := time.NewTimer(minUptime)
	defer timer.Stop()

	select {
	case <-child.readyCh:
		return nil
	case <-child.exited:
		return fmt.Errorf("process exited before sending a ready message")
	case <-timer.C:
		return fmt.Errorf("timed out after %s waiting for a ready message", minUptime)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// watchChild waits for a child to exit and runs unplanned-exit handling
// unless the manager is shutting down or the owning process has since
// been restarted (runID mismatch).
func (m *Manager) watchChild(id ProcessID, runID string, child *runningChild) {
	<-child.exited
	err := child.waitErr

	m.mu.Lock()
	stopping := m.stopping
	p, ok := m.processes[id]
	m.mu.Unlock()
	if stopping || !ok {
		return
	}

	p.mu.Lock()
	if p.runID != runID || p.status == StatusStopping || p.status == StatusStopped {
		p.mu.Unlock()
		return
	}
	status := p.status
	p.mu.Unlock()
	if status != StatusOnline {
		return
	}

	exitCode := 0
	var signaled bool
	if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
		signaled = ee.ExitCode() == -1
	}

	m.log.Info("process exited", "name", id, "worker", child.workerIndex, "code", exitCode, "signaled", signaled)
	m.bus.Publish("process:exit", map[string]any{"name": string(id), "code": exitCode, "signal": signaled})

	m.handleUnplannedExit(id, p, runID, child.workerIndex, exitCode)
}

// handleUnplannedExit decides whether the worker at workerIndex should
// be restarted. Cluster mode respawns only that worker, leaving its
// still-running siblings' records untouched; fork mode (a single
// worker) respawns via the full spawn path.
func (m *Manager) handleUnplannedExit(id ProcessID, p *process, runID string, workerIndex, exitCode int) {
	p.mu.Lock()
	cfg := p.config
	p.mu.Unlock()

	restart := shouldRestart(cfg.Restart, StatusOnline, exitCode)
	if !restart {
		m.finishWithoutRestart(id, p, cfg.Mode, workerIndex)
		return
	}

	p.mu.Lock()
	if p.restartCount >= cfg.MaxRestarts {
		p.mu.Unlock()
		m.finishWithoutRestart(id, p, cfg.Mode, workerIndex)
		return
	}
	p.restartCount++
	count := p.restartCount
	if cfg.Mode != ModeCluster {
		p.status = StatusStarting
	}
	p.mu.Unlock()

	m.metrics.ProcessRestart(id)
	m.metrics.WorkQueueBackoffDuration(id, cfg.RestartDelay)
	m.log.Info("scheduling restart", "name", id, "worker", workerIndex, "attempt", count, "delay", cfg.RestartDelay)

	m.restartQueue.Schedule(restartJob{id: id, workerIndex: workerIndex, runID: runID, cfg: cfg}, cfg.RestartDelay)
	m.metrics.WorkQueueDepth(m.restartQueue.Len())
}

// respawnWorker launches a single replacement child for workerIndex and
// installs it in p.children, leaving every other index untouched. Used
// for cluster-mode unplanned-exit recovery, where the process as a
// whole stays online throughout.
func (m *Manager) respawnWorker(ctx context.Context, id ProcessID, p *process, runID string, cfg Config, workerIndex int) error {
	instances := cfg.Instances
	if instances <= 0 {
		instances = 1
	}

	child, err := m.launch(ctx, id, cfg, workerIndex, instances)
	if err != nil {
		p.mu.Lock()
		p.lastError = err
		p.mu.Unlock()
		m.metrics.ProcessError(id, "respawn")
		return err
	}

	p.mu.Lock()
	p.children[workerIndex] = child
	p.mu.Unlock()

	go m.watchChild(id, runID, child)
	m.metrics.ProcessStarted(id, 1)
	m.bus.Publish("process:started", map[string]any{"name": string(id), "pid": child.cmd.Process.Pid, "worker": workerIndex})
	return nil
}

// finishWithoutRestart retires workerIndex. In cluster mode only that
// worker's slot is dropped; the process transitions to errored only
// once every worker has been retired this way. Fork mode has a single
// worker, so retiring it always errors the whole record.
func (m *Manager) finishWithoutRestart(id ProcessID, p *process, mode Mode, workerIndex int) {
	p.mu.Lock()
	errored := true
	if mode == ModeCluster {
		delete(p.children, workerIndex)
		errored = len(p.children) == 0
	}
	if errored {
		p.status = StatusErrored
	}
	p.mu.Unlock()

	if errored {
		m.metrics.ProcessStateTransition(id, StatusOnline, StatusErrored)
	}
	m.bus.Publish("process:error", map[string]any{"name": string(id), "worker": workerIndex, "message": "restart policy exhausted or declined"})
}

// shouldRestart implements the restart-policy decision table.
func shouldRestart(policy RestartPolicy, currentStatus Status, exitCode int) bool {
	switch policy {
	case RestartNever:
		return false
	case RestartUnlessStopped:
		return currentStatus != StatusStopping
	case RestartOnFailure:
		return exitCode != 0
	default: // always
		return true
	}
}

// Stop sends sig (default SIGTERM) to every child of name, polling for
// exit up to timeout (default the process's configured kill timeout,
// else 5 seconds), then escalates to SIGKILL for any survivor. Stopping
// an already-stopped or already-stopping process is a no-op.
func (m *Manager) Stop(ctx context.Context, name string, sig os.Signal, timeout time.Duration) error {
	id := ProcessID(name)
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(errs.ProcessNotFound, "process %q not found", name).WithContext("name", name)
	}

	p.mu.Lock()
	if p.status == StatusStopped || p.status == StatusStopping {
		p.mu.Unlock()
		return nil
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if timeout <= 0 {
		timeout = p.config.KillTimeout
	}
	from := p.status
	p.status = StatusStopping
	children := make([]*runningChild, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.mu.Unlock()
	m.metrics.ProcessStateTransition(id, from, StatusStopping)

	for _, c := range children {
		_ = c.cmd.Process.Signal(sig)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

waitLoop:
	for {
		if allExited(children) {
			break waitLoop
		}
		select {
		case <-ticker.C:
			continue
		case <-deadline:
			break waitLoop
		case <-ctx.Done():
			break waitLoop
		}
	}

	for _, c := range children {
		select {
		case <-c.exited:
		default:
			_ = c.cmd.Process.Kill()
		}
	}

	p.mu.Lock()
	p.status = StatusStopped
	p.children = make(map[int]*runningChild)
	p.mu.Unlock()
	m.metrics.ProcessStateTransition(id, StatusStopping, StatusStopped)
	m.bus.Publish("process:stopped", map[string]any{"name": name})
	return nil
}

func allExited(children []*runningChild) bool {
	for _, c := range children {
		select {
		case <-c.exited:
		default:
			return false
		}
	}
	return true
}

// Restart stops name (if running) and starts it again with its stored
// configuration.
func (m *Manager) Restart(ctx context.Context, name string) (*Info, error) {
	id := ProcessID(name)
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.ProcessNotFound, "process %q not found", name).WithContext("name", name)
	}

	if err := m.Stop(ctx, name, syscall.SIGTERM, 0); err != nil {
		return nil, err
	}

	p.mu.Lock()
	cfg := p.config
	p.mu.Unlock()
	return m.Start(ctx, cfg)
}

// Delete stops name if it is running, then removes its record.
func (m *Manager) Delete(ctx context.Context, name string) error {
	id := ProcessID(name)
	m.mu.Lock()
	_, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(errs.ProcessNotFound, "process %q not found", name).WithContext("name", name)
	}

	if err := m.Stop(ctx, name, syscall.SIGTERM, 0); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
	return nil
}

// List returns a snapshot Info for every tracked process.
func (m *Manager) List() []*Info {
	m.mu.Lock()
	ids := make([]ProcessID, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	out := make([]*Info, 0, len(ids))
	for _, id := range ids {
		if info, err := m.Info(string(id)); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Info returns a point-in-time snapshot of one logical process.
func (m *Manager) Info(name string) (*Info, error) {
	id := ProcessID(name)
	m.mu.Lock()
	p, ok := m.processes[id]
	m.mu.Unlock()
	if !ok {
		return nil, errs.Newf(errs.ProcessNotFound, "process %q not found", name).WithContext("name", name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var uptime int64
	if p.status == StatusOnline && !p.startTime.IsZero() {
		uptime = int64(time.Since(p.startTime).Seconds())
	}

	info := &Info{
		ID:               name,
		Name:             name,
		Status:           p.status,
		Mode:             p.config.Mode,
		Instances:        p.config.Instances,
		RunningInstances: len(p.children),
		RestartCount:     p.restartCount,
		Uptime:           uptime,
		Script:           p.config.Script,
		Cwd:              p.config.Cwd,
		CreatedAt:        p.createdAt,
		StartTime:        p.startTime,
		PID:              firstPID(p.children),
		PIDs:             allPIDs(p.children),
	}
	if p.lastError != nil {
		info.LastError = p.lastError.Error()
	}
	return info, nil
}

// Shutdown stops every tracked process concurrently with a 10-second
// timeout each, suppressing further restarts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.stopping = true
	ids := make([]ProcessID, 0, len(m.processes))
	for id := range m.processes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	// Logical processes carry no ordering guarantee relative to each
	// other (unlike a single process's workers), so they stop
	// concurrently; one process's stop error never blocks another's.
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_ = m.Stop(ctx, string(id), syscall.SIGTERM, 10*time.Second)
			return nil
		})
	}
	_ = g.Wait()

	close(m.schedulerDone)
	m.wg.Wait()
	return nil
}

func firstPID(children map[int]*runningChild) int {
	for _, c := range children {
		if c.cmd != nil && c.cmd.Process != nil {
			return c.cmd.Process.Pid
		}
	}
	return 0
}

// allPIDs returns every running child's pid, ordered by worker index.
func allPIDs(children map[int]*runningChild) []int {
	indices := make([]int, 0, len(children))
	for idx := range children {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	pids := make([]int, 0, len(children))
	for _, idx := range indices {
		if c := children[idx]; c.cmd != nil && c.cmd.Process != nil {
			pids = append(pids, c.cmd.Process.Pid)
		}
	}
	return pids
}
