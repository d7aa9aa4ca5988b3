// Package client dials the daemon's control socket and issues the
// process-manager and kernel RPC methods on behalf of opendaemonctl's
// subcommands.
package client

import (
	"context"
	"net"
	"time"

	"github.com/opendaemon/opendaemon/pkg/procmgr"
	"github.com/opendaemon/opendaemon/pkg/rpc"
)

const dialTimeout = 5 * time.Second

// Client is a thin wrapper over rpc.Client exposing the daemon's
// method surface with concrete request/response types.
type Client struct {
	rpc *rpc.Client
}

// Dial connects to the daemon's control socket, which is a unix socket
// path unless it looks like a host:port TCP address.
func Dial(addr string) (*Client, error) {
	network := "unix"
	if _, _, err := net.SplitHostPort(addr); err == nil {
		network = "tcp"
	}
	conn, err := net.DialTimeout(network, addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	return &Client{rpc: rpc.NewClient(conn)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rpc.Close()
}

// List returns every process the daemon is managing.
func (c *Client) List(ctx context.Context) ([]*procmgr.Info, error) {
	var out []*procmgr.Info
	err := c.rpc.Call(ctx, "list", nil, &out)
	return out, err
}

// Info returns a single process's status by name.
func (c *Client) Info(ctx context.Context, name string) (*procmgr.Info, error) {
	var out procmgr.Info
	err := c.rpc.Call(ctx, "info", map[string]string{"name": name}, &out)
	return &out, err
}

// StartParams mirrors the daemon's start RPC params, exposing the
// fields a CLI invocation can reasonably set.
type StartParams struct {
	Name         string            `json:"name"`
	Script       string            `json:"script"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env"`
	Args         []string          `json:"args"`
	Mode         string            `json:"mode"`
	Instances    int               `json:"instances"`
	Restart      string            `json:"restart"`
	RestartDelay int               `json:"restartDelay"`
	MaxRestarts  int               `json:"maxRestarts"`
	KillTimeout  int               `json:"killTimeout"`
}

// Start spawns a new managed process.
func (c *Client) Start(ctx context.Context, p StartParams) (*procmgr.Info, error) {
	var out procmgr.Info
	err := c.rpc.Call(ctx, "start", p, &out)
	return &out, err
}

// Stop gracefully stops a managed process by name.
func (c *Client) Stop(ctx context.Context, name string, timeoutMillis int) error {
	return c.rpc.Call(ctx, "stop", map[string]any{"name": name, "timeout": timeoutMillis}, nil)
}

// Restart stops and respawns a managed process by name.
func (c *Client) Restart(ctx context.Context, name string) (*procmgr.Info, error) {
	var out procmgr.Info
	err := c.rpc.Call(ctx, "restart", map[string]string{"name": name}, &out)
	return &out, err
}

// Delete stops and forgets a managed process by name.
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.rpc.Call(ctx, "delete", map[string]string{"name": name}, nil)
}

// Status returns the kernel's own lifecycle status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.rpc.Call(ctx, "daemon.status", nil, &out)
	return out, err
}

// Metrics returns the daemon.metrics snapshot.
func (c *Client) Metrics(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.rpc.Call(ctx, "daemon.metrics", nil, &out)
	return out, err
}

// Shutdown requests graceful daemon shutdown.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.rpc.Call(ctx, "daemon.shutdown", nil, nil)
}
