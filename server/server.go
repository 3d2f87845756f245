// Package server accepts connections from other agents and dispatches their
// requests to locally registered handlers.
//
// Each accepted connection is served by one goroutine that handles exactly one
// request at a time:
//
//	Open → (ReadRequest → Dispatch → WriteResponse)* → Closed
//
// Dispatch runs the middleware chain around the handler lookup:
//
//	Logging → RateLimit → user middlewares → Timeout → Recover → dispatch
//
// A connection closes on idle read timeout, malformed frame or payload (after
// an invalid_payload reply), write failure, or Stop.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"peerlink/codec"
	"peerlink/message"
	"peerlink/middleware"
	"peerlink/protocol"
	"peerlink/registry"

	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout      = 30 * time.Second
	DefaultHandlerTimeout   = 30 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultPortSearchWindow = 100
	DefaultRegistryTTL      = 10
)

var (
	ErrAlreadyStarted = errors.New("server already started")
	ErrServerClosed   = errors.New("server closed")
	ErrNoFreePort     = errors.New("no free port in search window")
)

// Handler computes the result for one request. Returning a *message.Error
// picks the error code the caller sees; any other error becomes handler_error.
type Handler interface {
	Handle(ctx context.Context, req *message.Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *message.Request) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, req *message.Request) (map[string]any, error) {
	return f(ctx, req)
}

// Options configures a Server. Zero values take the defaults above.
type Options struct {
	IdleTimeout      time.Duration
	HandlerTimeout   time.Duration
	WriteTimeout     time.Duration
	PortSearchWindow int

	// RateLimit > 0 enables admission control at RateLimit requests per second.
	RateLimit float64
	RateBurst int

	// Registry, when set, receives this server's address on Start and loses
	// it on Stop.
	Registry      registry.Registry
	RegistryTTL   int64
	AdvertiseHost string // defaults to the bind host
	Role          string

	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.HandlerTimeout <= 0 {
		o.HandlerTimeout = DefaultHandlerTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.PortSearchWindow <= 0 {
		o.PortSearchWindow = DefaultPortSearchWindow
	}
	if o.RegistryTTL <= 0 {
		o.RegistryTTL = DefaultRegistryTTL
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Server is the RPC server of one agent.
type Server struct {
	name   string
	opts   Options
	logger *zap.Logger

	mu          sync.RWMutex
	handlers    map[string]Handler
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // full chain, built once in Start

	listener   net.Listener
	host       string
	port       int
	advertised bool
	ctx        context.Context
	cancel     context.CancelFunc

	shutdown atomic.Bool
	stopOnce sync.Once
	connsMu  sync.Mutex
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// New creates a server for the agent called name.
func New(name string, opts Options) *Server {
	opts.setDefaults()
	return &Server{
		name:     name,
		opts:     opts,
		logger:   opts.Logger.With(zap.String("agent", name)),
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
}

// RegisterHandler associates method with h; the last registration wins.
// An empty method or nil handler is a programming error and panics.
func (s *Server) RegisterHandler(method string, h Handler) {
	if method == "" {
		panic("server: empty method name")
	}
	if h == nil {
		panic("server: nil handler for " + method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.handlers[method]; exists {
		s.logger.Info("replacing handler", zap.String("method", method))
	}
	s.handlers[method] = h
}

// HandleFunc registers f as the handler for method.
func (s *Server) HandleFunc(method string, f func(ctx context.Context, req *message.Request) (map[string]any, error)) {
	s.RegisterHandler(method, HandlerFunc(f))
}

// Methods returns the registered method names, sorted.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.handlers))
	for m := range s.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Use adds a middleware. The chain is built by Start, so calling Use after
// Start is a programming error and panics.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		panic("server: Use called after Start")
	}
	s.middlewares = append(s.middlewares, mw)
}

// Start binds host:port and serves in the background. If the port is taken it
// scans forward through the search window; Port reports the port actually
// bound. Port 0 asks the kernel for any free port.
func (s *Server) Start(host string, port int) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.shutdown.Load() {
		s.mu.Unlock()
		return ErrServerClosed
	}

	ln, bound, err := listen(host, port, s.opts.PortSearchWindow)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if bound != port && port != 0 {
		s.logger.Warn("requested port in use, using next free port", zap.Int("requested", port), zap.Int("port", bound))
	}

	chain := []middleware.Middleware{middleware.LoggingMiddleware(s.logger)}
	if s.opts.RateLimit > 0 {
		chain = append(chain, middleware.RateLimitMiddleware(s.opts.RateLimit, s.opts.RateBurst))
	}
	chain = append(chain, s.middlewares...)
	chain = append(chain, middleware.TimeoutMiddleware(s.opts.HandlerTimeout), middleware.RecoverMiddleware())
	s.handler = middleware.Chain(chain...)(s.dispatch)

	s.listener = ln
	s.host = host
	s.port = bound
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.logger.Info("server started", zap.String("addr", ln.Addr().String()))

	if s.opts.Registry != nil {
		s.advertise()
	}

	s.wg.Add(1)
	go s.acceptLoop(ln)
	return nil
}

// listen binds the first free port in [port, port+window).
func listen(host string, port, window int) (net.Listener, int, error) {
	if port == 0 {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}

	for p := port; p < port+window && p <= 65535; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, p, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("%w: %d-%d", ErrNoFreePort, port, port+window-1)
}

func (s *Server) advertise() {
	host := s.opts.AdvertiseHost
	if host == "" {
		host = s.host
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	inst := registry.PeerInstance{
		Name: s.name,
		Addr: net.JoinHostPort(host, strconv.Itoa(s.port)),
		Role: s.opts.Role,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Registry.Register(ctx, inst, s.opts.RegistryTTL); err != nil {
		s.logger.Warn("registry advertisement failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.advertised = true
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Stop closes the listener; that error is expected.
			if !s.shutdown.Load() {
				s.logger.Error("accept failed", zap.Error(err))
			}
			return
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// handleConn serves one connection until it closes.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.untrack(conn)
		conn.Close()
	}()

	client := conn.RemoteAddr().String()
	logger := s.logger.With(zap.String("client", client))
	logger.Debug("client connected")
	defer logger.Debug("client disconnected")

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)); err != nil {
			return
		}
		header, body, err := protocol.Decode(conn)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, protocol.ErrMalformed):
				logger.Warn("malformed frame", zap.Error(err))
				s.replyInvalid(conn, protocol.CodecTypeJSON, 0, nil, err)
			case errors.As(err, &ne) && ne.Timeout() && !s.shutdown.Load():
				logger.Info("client idle, disconnecting", zap.Duration("idle_timeout", s.opts.IdleTimeout))
			}
			return
		}

		if header.MsgType != protocol.MsgTypeRequest {
			s.replyInvalid(conn, header.CodecType, header.Seq, nil, fmt.Errorf("unexpected frame type %d", header.MsgType))
			return
		}

		var req message.Request
		c := codec.GetCodec(codec.CodecType(header.CodecType))
		if err := c.Decode(body, &req); err != nil {
			logger.Warn("undecodable request", zap.Error(err))
			s.replyInvalid(conn, header.CodecType, header.Seq, &req, err)
			return
		}
		if req.ID == "" || req.Method == "" {
			s.replyInvalid(conn, header.CodecType, header.Seq, &req, errors.New("request needs id and method"))
			return
		}

		resp := s.handler(s.ctx, &req)
		s.finalize(resp, &req)

		if err := s.write(conn, header.CodecType, header.Seq, resp); err != nil {
			logger.Warn("write failed", zap.String("request_id", req.ID), zap.Error(err))
			return
		}
	}
}

// dispatch is the innermost handler of the chain.
func (s *Server) dispatch(ctx context.Context, req *message.Request) *message.Response {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return message.NewError(req, message.CodeMethodNotFound, fmt.Sprintf("Method %s not found", req.Method))
	}

	result, err := h.Handle(ctx, req)
	if err != nil {
		var wire *message.Error
		if errors.As(err, &wire) {
			code := wire.Code
			if code == message.CodeInvalidPayload {
				// Callers read invalid_payload as "connection closed".
				code = message.CodeInvalidParams
			}
			return message.NewError(req, code, wire.Message)
		}
		return message.NewError(req, message.CodeHandlerError, err.Error())
	}
	return message.NewResult(req, result)
}

// finalize stamps routing fields so every reply is well-formed no matter
// which layer produced it.
func (s *Server) finalize(resp *message.Response, req *message.Request) {
	if resp.Result == nil && resp.Error == nil {
		resp.Result = map[string]any{}
	}
	resp.RequestID = req.ID
	resp.Source = s.name
	resp.Target = req.Source
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now()
	}
}

func (s *Server) write(conn net.Conn, codecType byte, seq uint32, resp *message.Response) error {
	c := codec.GetCodec(codec.CodecType(codecType))
	body, err := c.Encode(resp)
	if err != nil {
		// The handler returned something the codec cannot carry.
		s.logger.Warn("encoding reply failed", zap.String("request_id", resp.RequestID), zap.Error(err))
		fallback := *resp
		fallback.Result = nil
		fallback.Error = message.Errorf(message.CodeHandlerError, "encoding result: %v", err)
		if body, err = c.Encode(&fallback); err != nil {
			return err
		}
	}

	if err := conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: codecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       seq,
	}
	return protocol.Encode(conn, &header, body)
}

// replyInvalid sends an invalid_payload error; the caller closes the
// connection afterwards since the stream cannot be trusted.
func (s *Server) replyInvalid(conn net.Conn, codecType byte, seq uint32, req *message.Request, cause error) {
	orig := &message.Request{ID: message.UnknownRequestID, Source: "unknown"}
	if req != nil && req.ID != "" {
		orig.ID = req.ID
		if req.Source != "" {
			orig.Source = req.Source
		}
	}
	resp := message.NewError(orig, message.CodeInvalidPayload, cause.Error())
	s.finalize(resp, orig)
	if err := s.write(conn, codecType, seq, resp); err != nil {
		s.logger.Debug("invalid_payload reply not delivered", zap.Error(err))
	}
}

// Stop deregisters from the registry, stops accepting, closes every client
// connection and waits for their goroutines until ctx ends. It is safe to
// call before Start, after a failed Start, and more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.shutdown.Store(true)

		s.mu.RLock()
		ln, cancel, advertised := s.listener, s.cancel, s.advertised
		s.mu.RUnlock()

		if advertised {
			if err := s.opts.Registry.Deregister(ctx, s.name); err != nil {
				s.logger.Warn("registry deregistration failed", zap.Error(err))
			}
		}
		if cancel != nil {
			cancel()
		}
		if ln != nil {
			ln.Close()
		}

		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()

		if ln != nil {
			s.logger.Info("server stopped")
		}
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for connections to close: %w", ctx.Err())
	}
}

// Name returns the agent name this server answers as.
func (s *Server) Name() string { return s.name }

// Port returns the bound port, or 0 before Start.
func (s *Server) Port() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.port
}

// Addr returns the bound host:port, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Running reports whether the server has started and not been stopped.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listener != nil && !s.shutdown.Load()
}

// Clients returns the remote addresses of open client connections, sorted.
func (s *Server) Clients() []string {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	out := make([]string, 0, len(s.conns))
	for conn := range s.conns {
		out = append(out, conn.RemoteAddr().String())
	}
	sort.Strings(out)
	return out
}
