package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

const defaultRequestTimeout = 30 * time.Second

// pendingCall is the continuation for an in-flight request.
type pendingCall struct {
	resultCh chan *Response
}

// Notification is a server-initiated message delivered outside the
// request/response cycle, e.g. via Server.Broadcast.
type Notification struct {
	Method string
	Params json.RawMessage
}

const notificationBuffer = 64

// Client is a single connection to an RPC server, with a monotonic
// request-id counter and a table of pending-response continuations.
type Client struct {
	conn           net.Conn
	requestTimeout time.Duration
	log            *slog.Logger

	nextID int64

	mu      sync.Mutex
	pending map[int64]*pendingCall
	closed  bool

	writeMu sync.Mutex
	dec     *Decoder

	authToken string

	notifyCh chan Notification
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithClientTimeout overrides the default 30-second per-request timeout.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithClientAuthToken attaches a shared auth token to every request.
func WithClientAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient wraps an already-connected net.Conn and starts its read loop.
func NewClient(conn net.Conn, opts ...ClientOption) *Client {
	c := &Client{
		conn:           conn,
		requestTimeout: defaultRequestTimeout,
		log:            slog.Default(),
		pending:        make(map[int64]*pendingCall),
		dec:            NewDecoder(defaultMaxMessageSize),
		notifyCh:       make(chan Notification, notificationBuffer),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Call sends method(params) as a request and blocks until the matching
// response arrives, the context is cancelled, or the per-request timeout
// expires (in which case the pending entry is removed and the call fails
// with errs.Timeout even if a late response later arrives).
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	id := atomic.AddInt64(&c.nextID, 1)

	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		raw, err = mergeAuthToken(raw, c.authToken)
		if err != nil {
			return err
		}
	}

	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	call := &pendingCall{resultCh: make(chan *Response, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errs.New(errs.ConnectionRefused, "client is closed")
	}
	c.pending[id] = call
	c.mu.Unlock()

	if err := c.write(Frame{Type: TypeRequest, Payload: payload}); err != nil {
		c.removePending(id)
		return err
	}

	timeout := c.requestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-call.resultCh:
		if resp.Error != nil {
			return errs.New(errs.TransportError, resp.Error.Message).WithContext("code", resp.Error.Code)
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-timer.C:
		c.removePending(id)
		return errs.Newf(errs.Timeout, "rpc call %q timed out after %s", method, timeout)
	}
}

// Notifications returns the channel server-initiated notifications (e.g.
// broadcasts) are delivered on. The channel is never closed, since the
// read loop that would otherwise race a close against a send may still be
// in flight when Close is called; callers should stop reading once Close
// returns. A slow reader that lets the buffer fill causes new
// notifications to be dropped rather than blocking the read loop.
func (c *Client) Notifications() <-chan Notification {
	return c.notifyCh
}

// Notify sends method(params) as a notification; no response is expected.
func (c *Client) Notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if c.authToken != "" {
		raw, err = mergeAuthToken(raw, c.authToken)
		if err != nil {
			return err
		}
	}
	req := Request{JSONRPC: "2.0", Method: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.write(Frame{Type: TypeNotification, Payload: payload})
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(Encode(f))
	return err
}

// Close closes the underlying connection, rejecting every pending call
// with a "connection-closed" error, which Call returns as
// errs.TransportError.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.resultCh <- &Response{Error: &RPCError{Code: ErrCodeInternalError, Message: "connection-closed"}}
	}
	return c.conn.Close()
}

func (c *Client) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			frames, decErr := c.dec.Feed(buf[:n])
			for _, f := range frames {
				c.handleFrame(f)
			}
			if decErr != nil {
				c.log.Error("rpc: client decode error", "error", decErr)
				c.Close()
				return
			}
		}
		if err != nil {
			c.Close()
			return
		}
	}
}

func (c *Client) handleFrame(f Frame) {
	switch f.Type {
	case TypeHeartbeat:
		_ = c.write(f)
	case TypeResponse:
		var resp Response
		if err := json.Unmarshal(f.Payload, &resp); err != nil {
			c.log.Error("rpc: malformed response", "error", err)
			return
		}
		id, ok := responseID(resp.ID)
		if !ok {
			c.log.Warn("rpc: response with unmatched id type, dropping")
			return
		}
		c.mu.Lock()
		call, exists := c.pending[id]
		if exists {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !exists {
			c.log.Warn("rpc: unmatched response id, dropping", "id", id)
			return
		}
		call.resultCh <- &resp
	case TypeNotification:
		var req Request
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			c.log.Error("rpc: malformed notification", "error", err)
			return
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		select {
		case c.notifyCh <- Notification{Method: req.Method, Params: req.Params}:
		default:
			c.log.Warn("rpc: notification channel full, dropping", "method", req.Method)
		}
	default:
		c.log.Debug("rpc: unhandled frame type", "type", f.Type)
	}
}

func responseID(raw any) (int64, bool) {
	switch v := raw.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func mergeAuthToken(params json.RawMessage, token string) (json.RawMessage, error) {
	var fields map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &fields); err != nil {
			return nil, fmt.Errorf("rpc: params must be a JSON object to attach an auth token: %w", err)
		}
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	fields[authParamKey] = token
	return json.Marshal(fields)
}
