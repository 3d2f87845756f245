// Package client maintains the table of outbound peer connections and offers
// request/response and fan-out primitives on top of it.
//
// The client never serializes across peers: requests to different peers run
// in parallel, and per-connection ordering is left to transport.PeerConn.
// Transport and timeout failures are returned as errors and downgrade the
// peer to unhealthy; they are never fatal to the caller.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"peerlink/codec"
	"peerlink/message"
	"peerlink/transport"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrNotConnected means there is no peer table entry for the name.
var ErrNotConnected = errors.New("not connected")

// Defaults mirror the values the agents have always shipped with.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = time.Second
	DefaultMaxConnAge     = 5 * time.Minute
)

// MethodPing is the health check every agent answers.
const MethodPing = "ping"

// Options configures a Client. Zero values take the defaults above.
type Options struct {
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	MaxConnAge     time.Duration
	Codec          codec.CodecType
	Logger         *zap.Logger
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MaxConnAge <= 0 {
		o.MaxConnAge = DefaultMaxConnAge
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// dial is swapped out in tests.
var dial = transport.Dial

// PeerStatus is a snapshot of one peer table entry.
type PeerStatus struct {
	Name         string
	Addr         string
	Healthy      bool
	ConnectedAt  time.Time
	LastExchange time.Time
}

// Client owns the peer table for one agent.
type Client struct {
	name   string
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	peers     map[string]*transport.PeerConn
	endpoints map[string]string // last known address per peer, kept across disconnects
}

// New creates a client that identifies itself as name in outgoing requests.
func New(name string, opts Options) *Client {
	opts.setDefaults()
	return &Client{
		name:      name,
		opts:      opts,
		logger:    opts.Logger.With(zap.String("agent", name)),
		peers:     make(map[string]*transport.PeerConn),
		endpoints: make(map[string]string),
	}
}

// Name returns the agent name used as Source on outgoing requests.
func (c *Client) Name() string { return c.name }

// ConnectToPeer dials addr up to MaxRetries times with a fixed backoff between
// attempts. On success the connection replaces any existing entry for name.
func (c *Client) ConnectToPeer(ctx context.Context, name, addr string) bool {
	topts := transport.Options{
		ConnectTimeout: c.opts.ConnectTimeout,
		Codec:          c.opts.Codec,
		Logger:         c.opts.Logger,
	}

	c.mu.Lock()
	c.endpoints[name] = addr
	c.mu.Unlock()

	for attempt := 1; attempt <= c.opts.MaxRetries; attempt++ {
		pc, err := dial(ctx, name, addr, topts)
		if err == nil {
			c.mu.Lock()
			old := c.peers[name]
			c.peers[name] = pc
			c.mu.Unlock()
			if old != nil {
				old.Close()
			}
			c.logger.Info("connected to peer", zap.String("peer", name), zap.String("addr", addr), zap.Int("attempt", attempt))
			return true
		}

		c.logger.Warn("connect attempt failed",
			zap.String("peer", name),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.opts.MaxRetries),
			zap.Error(err),
		)
		if attempt < c.opts.MaxRetries && !sleep(ctx, c.opts.RetryBackoff) {
			break
		}
	}
	return false
}

// SendRequest sends req to the named peer and waits for its reply. A nil
// response with a non-nil error means the peer contributed nothing.
func (c *Client) SendRequest(ctx context.Context, name string, req *message.Request) (*message.Response, error) {
	pc, ok := c.conn(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, name)
	}

	if req.Target != name || req.Source == "" {
		r := *req
		r.Target = name
		if r.Source == "" {
			r.Source = c.name
		}
		req = &r
	}

	start := time.Now()
	resp, err := pc.SendAndReceive(ctx, req, c.opts.RequestTimeout)
	if err != nil {
		c.logger.Warn("request failed",
			zap.String("peer", name),
			zap.String("method", req.Method),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return nil, err
	}
	c.logger.Debug("request completed",
		zap.String("peer", name),
		zap.String("method", req.Method),
		zap.String("request_id", req.ID),
		zap.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// SendRequestWithRetry repeats SendRequest up to maxRetries times with a fixed
// backoff, reconnecting first if the previous attempt left the peer unhealthy.
// maxRetries <= 0 uses the configured default.
func (c *Client) SendRequestWithRetry(ctx context.Context, name string, req *message.Request, maxRetries int) (*message.Response, error) {
	if maxRetries <= 0 {
		maxRetries = c.opts.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		resp, err := c.SendRequest(ctx, name, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, ErrNotConnected) || attempt == maxRetries {
			break
		}
		if !sleep(ctx, c.opts.RetryBackoff) {
			break
		}
		if pc, ok := c.conn(name); ok && !pc.Healthy() {
			c.Reconnect(ctx, name)
		}
	}
	return nil, lastErr
}

// Broadcast sends a copy of template to every connected, healthy peer
// concurrently and returns whatever replies arrive, ordered by peer name.
// Peers that fail or time out are silently left out.
func (c *Client) Broadcast(ctx context.Context, template *message.Request) []*message.Response {
	names := c.HealthyPeers()
	replies := make([]*message.Response, len(names))

	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			resp, err := c.SendRequest(ctx, name, template.Clone(name))
			if err == nil {
				replies[i] = resp
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*message.Response, 0, len(replies))
	for _, r := range replies {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

// CheckHealth reports whether the named peer is usable. A connection older
// than MaxConnAge is torn down and redialed first, and the outcome of that
// reconnect is reported.
func (c *Client) CheckHealth(ctx context.Context, name string) bool {
	pc, ok := c.conn(name)
	if !ok || !pc.Healthy() {
		return false
	}
	if pc.Age() > c.opts.MaxConnAge {
		c.logger.Info("connection too old, reconnecting", zap.String("peer", name), zap.Duration("age", pc.Age()))
		return c.Reconnect(ctx, name)
	}
	return true
}

// Reconnect drops the current connection to name, if any, and dials the last
// known endpoint again.
func (c *Client) Reconnect(ctx context.Context, name string) bool {
	c.mu.RLock()
	addr, ok := c.endpoints[name]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	c.Disconnect(name)
	return c.ConnectToPeer(ctx, name, addr)
}

// Ping sends the health check to name.
func (c *Client) Ping(ctx context.Context, name string) (*message.Response, error) {
	return c.SendRequest(ctx, name, message.NewRequest(MethodPing, nil, c.name, name))
}

// Disconnect closes and forgets the connection to name. Calling it for an
// unknown or already disconnected peer is a no-op.
func (c *Client) Disconnect(name string) {
	c.mu.Lock()
	pc, ok := c.peers[name]
	delete(c.peers, name)
	c.mu.Unlock()

	if ok {
		if err := pc.Close(); err != nil {
			c.logger.Debug("close failed", zap.String("peer", name), zap.Error(err))
		}
		c.logger.Info("disconnected from peer", zap.String("peer", name))
	}
}

// CloseAll disconnects every peer.
func (c *Client) CloseAll() {
	c.mu.RLock()
	names := make([]string, 0, len(c.peers))
	for name := range c.peers {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		c.Disconnect(name)
	}
}

// IsConnected reports whether name has a peer table entry.
func (c *Client) IsConnected(name string) bool {
	_, ok := c.conn(name)
	return ok
}

// HealthyPeers returns the sorted names of peers currently marked healthy.
func (c *Client) HealthyPeers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.peers))
	for name, pc := range c.peers {
		if pc.Healthy() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Peers returns a snapshot of the peer table, sorted by name.
func (c *Client) Peers() []PeerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]PeerStatus, 0, len(c.peers))
	for name, pc := range c.peers {
		out = append(out, PeerStatus{
			Name:         name,
			Addr:         pc.Addr(),
			Healthy:      pc.Healthy(),
			ConnectedAt:  pc.ConnectedAt(),
			LastExchange: pc.LastExchange(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Client) conn(name string) (*transport.PeerConn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pc, ok := c.peers[name]
	return pc, ok
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
