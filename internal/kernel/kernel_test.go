package kernel

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendaemon/opendaemon/pkg/errs"
	"github.com/opendaemon/opendaemon/pkg/plugin"
	"github.com/opendaemon/opendaemon/pkg/rpc"
)

// recordingPlugin implements every optional capability and records which
// hooks fired, for assertions.
type recordingPlugin struct {
	meta plugin.Metadata

	installErr error
	startErr   error
	stopErr    error
	healthy    bool
	healthErr  error
	stopHook   func()

	mu       sync.Mutex
	calls    []string
	lastErr  error
	pctx     *plugin.Context
}

func (p *recordingPlugin) record(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
}

func (p *recordingPlugin) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *recordingPlugin) Metadata() plugin.Metadata { return p.meta }

func (p *recordingPlugin) Install(ctx context.Context, pctx *plugin.Context) error {
	p.record("install")
	p.pctx = pctx
	return p.installErr
}

func (p *recordingPlugin) OnStart(ctx context.Context) error {
	p.record("start")
	return p.startErr
}

func (p *recordingPlugin) OnReady(ctx context.Context) error {
	p.record("ready")
	return nil
}

func (p *recordingPlugin) OnStop(ctx context.Context) error {
	p.record("stop")
	if p.stopHook != nil {
		p.stopHook()
	}
	return p.stopErr
}

func (p *recordingPlugin) HealthCheck(ctx context.Context) (bool, error) {
	p.record("health")
	return p.healthy, p.healthErr
}

func (p *recordingPlugin) OnError(ctx context.Context, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
}

var (
	_ plugin.Plugin        = (*recordingPlugin)(nil)
	_ plugin.Starter       = (*recordingPlugin)(nil)
	_ plugin.Readier       = (*recordingPlugin)(nil)
	_ plugin.Stopper       = (*recordingPlugin)(nil)
	_ plugin.HealthChecker = (*recordingPlugin)(nil)
	_ plugin.ErrorHandler  = (*recordingPlugin)(nil)
)

// fakeRPCServer records RegisterMethod calls without a real listener.
type fakeRPCServer struct {
	mu       sync.Mutex
	handlers map[string]rpc.HandlerFunc
}

func newFakeRPCServer() *fakeRPCServer {
	return &fakeRPCServer{handlers: make(map[string]rpc.HandlerFunc)}
}

func (f *fakeRPCServer) RegisterMethod(method string, handler rpc.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = handler
}

func (f *fakeRPCServer) call(t *testing.T, method string, params any) (any, error) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[method]
	f.mu.Unlock()
	require.True(t, ok, "method %q not registered", method)
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return h(context.Background(), (net.Conn)(nil), raw)
}

func TestStartRunsInstallStartReadyInOrder(t *testing.T) {
	k := New("test", 123, WithShutdownTimeout(time.Second))
	p := &recordingPlugin{meta: plugin.Metadata{Name: "p", Version: "1.0.0"}, healthy: true}
	require.NoError(t, k.Registry().Register(p))

	require.NoError(t, k.Start(context.Background(), nil))
	assert.Equal(t, "ready", k.State())
	assert.Equal(t, []string{"install", "start", "ready"}, p.Calls())
}

func TestStartFailsFatallyOnInstallError(t *testing.T) {
	k := New("test", 123)
	p := &recordingPlugin{meta: plugin.Metadata{Name: "p", Version: "1.0.0"}, installErr: assertErr("boom")}
	require.NoError(t, k.Registry().Register(p))

	err := k.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "error", k.State())
	assert.Equal(t, errs.PluginInitializationFailed, errs.CodeOf(err))
}

func TestStopIsNonFatalPerPlugin(t *testing.T) {
	k := New("test", 123, WithShutdownTimeout(time.Second))
	bad := &recordingPlugin{meta: plugin.Metadata{Name: "bad", Version: "1.0.0"}, stopErr: assertErr("stop failed")}
	good := &recordingPlugin{meta: plugin.Metadata{Name: "good", Version: "1.0.0"}}

	var mu sync.Mutex
	var stopOrder []string
	bad.stopHook = func() {
		mu.Lock()
		stopOrder = append(stopOrder, "bad")
		mu.Unlock()
	}
	good.stopHook = func() {
		mu.Lock()
		stopOrder = append(stopOrder, "good")
		mu.Unlock()
	}

	require.NoError(t, k.Registry().Register(bad))
	require.NoError(t, k.Registry().Register(good))

	require.NoError(t, k.Start(context.Background(), nil))
	require.NoError(t, k.Stop(context.Background()))
	assert.Equal(t, "stopped", k.State())
	assert.Contains(t, bad.Calls(), "stop")
	assert.Contains(t, good.Calls(), "stop")
	assert.Equal(t, []string{"good", "bad"}, stopOrder, "plugins must stop in the reverse of their load order")
}

func TestStopIsNoOpBeforeStart(t *testing.T) {
	k := New("test", 123)
	require.NoError(t, k.Stop(context.Background()))
	assert.Equal(t, "created", k.State())
}

func TestRequestShutdownClosesChannelOnce(t *testing.T) {
	k := New("test", 123)
	k.RequestShutdown()
	k.RequestShutdown()
	select {
	case <-k.ShutdownRequested():
	default:
		t.Fatal("expected ShutdownRequested channel to be closed")
	}
}

func TestStatusReportsStateAndPID(t *testing.T) {
	k := New("test", 999)
	status := k.Status()
	assert.Equal(t, "created", status["status"])
	assert.Equal(t, 999, status["pid"])
}

func TestRegisterMethodBridgesThroughAttachedServer(t *testing.T) {
	k := New("test", 123, WithShutdownTimeout(time.Second))
	server := newFakeRPCServer()
	k.AttachRPCServer(server)

	p := &recordingPlugin{meta: plugin.Metadata{Name: "p", Version: "1.0.0"}}
	require.NoError(t, k.Registry().Register(p))
	// Install registers a method through pctx.RegisterMethod; wire it
	// manually here since recordingPlugin doesn't register one itself.
	require.NoError(t, k.Start(context.Background(), nil))
	p.pctx.RegisterMethod("echo", func(ctx context.Context, params []byte) (any, error) {
		return string(params), nil
	})

	result, err := server.call(t, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, result)
}

func TestWatchdogPublishesUnhealthyOnFailedProbe(t *testing.T) {
	k := New("test", 123, WithWatchdogPeriod(20*time.Millisecond), WithShutdownTimeout(time.Second))
	p := &recordingPlugin{meta: plugin.Metadata{Name: "p", Version: "1.0.0"}, healthy: false}
	require.NoError(t, k.Registry().Register(p))

	var gotEvent bool
	done := make(chan struct{})
	k.Bus().Subscribe("plugin:unhealthy", func(ctx context.Context, event string, data any) error {
		gotEvent = true
		close(done)
		return nil
	})

	require.NoError(t, k.Start(context.Background(), nil))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected plugin:unhealthy within watchdog period")
	}
	assert.True(t, gotEvent)
	require.NoError(t, k.Stop(context.Background()))
}

// assertErr is a tiny error helper avoiding an extra import of "errors"
// at every call site above.
type assertErr string

func (e assertErr) Error() string { return string(e) }
