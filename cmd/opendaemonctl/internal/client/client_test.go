package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opendaemon/opendaemon/pkg/procmgr"
	"github.com/opendaemon/opendaemon/pkg/rpc"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := rpc.NewServer(ln)
	s.RegisterMethod("list", func(ctx context.Context, conn net.Conn, params json.RawMessage) (any, error) {
		return []*procmgr.Info{{Name: "web", Status: procmgr.StatusOnline, Mode: procmgr.ModeFork}}, nil
	})
	s.RegisterMethod("info", func(ctx context.Context, conn net.Conn, params json.RawMessage) (any, error) {
		return &procmgr.Info{Name: "web", Status: procmgr.StatusOnline}, nil
	})
	s.RegisterMethod("start", func(ctx context.Context, conn net.Conn, params json.RawMessage) (any, error) {
		var sp StartParams
		require.NoError(t, json.Unmarshal(params, &sp))
		return &procmgr.Info{Name: sp.Name, Status: procmgr.StatusStarting}, nil
	})
	s.RegisterMethod("stop", func(ctx context.Context, conn net.Conn, params json.RawMessage) (any, error) {
		return nil, nil
	})
	s.RegisterMethod("daemon.status", func(ctx context.Context, conn net.Conn, params json.RawMessage) (any, error) {
		return map[string]any{"state": "ready"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Serve(ctx)

	return ln.Addr().String()
}

func TestDialFailsForMissingUnixSocket(t *testing.T) {
	_, err := Dial("/no/such/socket.sock")
	assert.Error(t, err)
}

func TestListReturnsProcesses(t *testing.T) {
	addr := startTestDaemon(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	procs, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "web", procs[0].Name)
}

func TestStartSendsNameInParams(t *testing.T) {
	addr := startTestDaemon(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	info, err := c.Start(context.Background(), StartParams{Name: "api", Script: "node server.js"})
	require.NoError(t, err)
	assert.Equal(t, "api", info.Name)
	assert.Equal(t, procmgr.StatusStarting, info.Status)
}

func TestStatusReturnsDaemonState(t *testing.T) {
	addr := startTestDaemon(t)
	c, err := Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", status["state"])
}
