package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opendaemon/opendaemon/pkg/errs"
)

// authParamKey is the reserved params field carrying the shared auth
// token, when the server requires one.
const authParamKey = "_auth_token"

// HandlerFunc handles one decoded JSON-RPC method call. Its return value
// is marshaled into a success response unless it returns an error, in
// which case the response becomes an internal-error.
type HandlerFunc func(ctx context.Context, conn net.Conn, params json.RawMessage) (any, error)

const (
	defaultMaxConnections = 100
	defaultMaxMessageSize = 10 * 1024 * 1024
)

// ServerOption configures a Server at construction time.
type ServerOption func(*Server)

// WithMaxConnections overrides the default concurrent-connection cap.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) { s.maxConnections = n }
}

// WithMaxMessageSize overrides the default per-frame payload cap in bytes.
func WithMaxMessageSize(n int) ServerOption {
	return func(s *Server) { s.maxMessageSize = n }
}

// WithAuthToken requires every request to carry a matching "_auth_token"
// params field.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) { s.authToken = token }
}

// WithLogger overrides the server's logger.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithTracer overrides the server's OpenTelemetry tracer.
func WithTracer(tr trace.Tracer) ServerOption {
	return func(s *Server) { s.tracer = tr }
}

// WithRequestCounter attaches a Prometheus counter vector labeled
// method,outcome to record every dispatched request.
func WithRequestCounter(counter *prometheus.CounterVec) ServerOption {
	return func(s *Server) { s.requests = counter }
}

// Server accepts connections on a stream listener and dispatches
// length-framed JSON-RPC requests to registered method handlers.
type Server struct {
	listener net.Listener

	maxConnections int
	maxMessageSize int
	authToken      string

	log      *slog.Logger
	tracer   trace.Tracer
	requests *prometheus.CounterVec

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	connSem chan struct{}

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	wg sync.WaitGroup
}

// NewServer wraps an already-listening net.Listener (a Unix stream socket
// or a TCP listener) with JSON-RPC dispatch.
func NewServer(listener net.Listener, opts ...ServerOption) *Server {
	s := &Server{
		listener:       listener,
		maxConnections: defaultMaxConnections,
		maxMessageSize: defaultMaxMessageSize,
		log:            slog.Default(),
		tracer:         otel.Tracer("opendaemon/rpc"),
		handlers:       make(map[string]HandlerFunc),
		conns:          make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connSem = make(chan struct{}, s.maxConnections)
	return s
}

// RegisterMethod installs (or replaces) the handler for method.
func (s *Server) RegisterMethod(method string, handler HandlerFunc) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = handler
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed, dispatching each on its own goroutine. On ctx cancellation it
// returns nil after every connection goroutine has exited; any other
// Accept failure (including a Close of the listener) is returned at once,
// without waiting for open connections.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		c, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				return err
			}
		}

		select {
		case s.connSem <- struct{}{}:
		default:
			s.log.Warn("rpc: connection limit reached, rejecting", "max", s.maxConnections)
			c.Close()
			continue
		}

		s.connsMu.Lock()
		s.conns[c] = struct{}{}
		s.connsMu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.connSem }()
			defer s.removeConn(c)
			s.handleConn(ctx, c)
		}()
	}
}

func (s *Server) removeConn(c net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	c.Close()
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	dec := NewDecoder(s.maxMessageSize)
	buf := make([]byte, 32*1024)
	var writeMu sync.Mutex

	for {
		n, err := c.Read(buf)
		if n > 0 {
			frames, decErr := dec.Feed(buf[:n])
			for _, f := range frames {
				s.dispatchFrame(ctx, c, &writeMu, f)
			}
			if decErr != nil {
				s.log.Error("rpc: frame decode error", "error", decErr)
				writeFrame(c, &writeMu, Frame{Type: TypeResponse, Payload: mustMarshal(NewErrorResponse(nil, ErrCodeInvalidRequest, decErr.Error(), nil))})
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatchFrame(ctx context.Context, c net.Conn, writeMu *sync.Mutex, f Frame) {
	if f.Type == TypeHeartbeat {
		writeFrame(c, writeMu, f)
		return
	}
	if f.Type != TypeRequest && f.Type != TypeNotification {
		return
	}

	var req Request
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		writeFrame(c, writeMu, Frame{Type: TypeResponse, Payload: mustMarshal(NewErrorResponse(nil, ErrCodeParseError, "parse error", err.Error()))})
		return
	}

	resp := s.dispatch(ctx, c, &req)
	if req.IsNotification() || resp == nil {
		return
	}
	writeFrame(c, writeMu, Frame{Type: TypeResponse, Payload: mustMarshal(resp)})
}

func (s *Server) dispatch(ctx context.Context, c net.Conn, req *Request) *Response {
	ctx, span := s.tracer.Start(ctx, "rpc.dispatch", trace.WithAttributes(attribute.String("rpc.method", req.Method)))
	defer span.End()

	outcome := "success"
	defer func() {
		if s.requests != nil {
			s.requests.WithLabelValues(req.Method, outcome).Inc()
		}
	}()

	if s.authToken != "" {
		if !validAuthToken(req.Params, s.authToken) {
			outcome = "auth-error"
			return NewErrorResponse(req.ID, ErrCodeInvalidRequest, "Invalid auth token", nil)
		}
	}

	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		outcome = "method-not-found"
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	result, err := handler(ctx, c, req.Params)
	if err != nil {
		outcome = "handler-error"
		return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error(), errorData(err))
	}

	if req.IsNotification() {
		return nil
	}
	out, err := NewResultResponse(req.ID, result)
	if err != nil {
		outcome = "marshal-error"
		return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error(), nil)
	}
	return out
}

// Broadcast sends method(params) as a notification frame to every
// currently connected client.
func (s *Server) Broadcast(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	notif := Request{JSONRPC: "2.0", Method: method, Params: raw}
	payload, err := json.Marshal(notif)
	if err != nil {
		return err
	}
	frame := Frame{Type: TypeNotification, Payload: payload}

	s.connsMu.Lock()
	targets := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		targets = append(targets, c)
	}
	s.connsMu.Unlock()

	var writeMu sync.Mutex
	for _, c := range targets {
		writeFrame(c, &writeMu, frame)
	}
	return nil
}

// Close stops accepting connections and closes the listener.
func (s *Server) Close() error {
	return s.listener.Close()
}

func writeFrame(c net.Conn, mu *sync.Mutex, f Frame) {
	mu.Lock()
	defer mu.Unlock()
	if _, err := c.Write(Encode(f)); err != nil {
		slog.Default().Debug("rpc: write failed", "error", err)
	}
}

func validAuthToken(params json.RawMessage, want string) bool {
	var fields map[string]any
	if err := json.Unmarshal(params, &fields); err != nil {
		return false
	}
	got, _ := fields[authParamKey].(string)
	return got == want
}

func errorData(err error) any {
	if e, ok := err.(*errs.Error); ok {
		return map[string]any{"code": string(e.Code), "context": e.Context}
	}
	return nil
}

func mustMarshal(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"jsonrpc":"2.0","id":null,"error":{"code":-32603,"message":"internal marshal error"}}`)
	}
	return raw
}
