// Package transport implements the client side of a link to one named peer.
//
// A PeerConn owns a single TCP connection and allows at most one exchange in
// flight at a time. Callers queue on an exclusive lock in arrival order, so N
// concurrent callers see their replies in the order they asked:
//
//	goroutine-1 ──SendAndReceive──┐        ┌── write req-1, read resp-1
//	goroutine-2 ──SendAndReceive──┼─ lock ─┼── write req-2, read resp-2
//	goroutine-3 ──SendAndReceive──┘        └── write req-3, read resp-3
//
// Any I/O failure or timeout marks the connection unhealthy. Closing it is the
// owner's decision, not this package's.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/codec"
	"peerlink/message"
	"peerlink/protocol"

	"go.uber.org/zap"
)

var (
	// ErrConnect means the transport connection could not be established.
	ErrConnect = errors.New("connect failed")
	// ErrTimeout means an exchange did not complete within its bound.
	ErrTimeout = errors.New("timed out")
	// ErrIO means the stream failed mid-exchange or returned garbage.
	ErrIO = errors.New("i/o failure")
	// ErrUnhealthy is returned without touching the wire once a connection
	// has failed; a stale reply may still be in flight on it.
	ErrUnhealthy = errors.New("connection unhealthy")
)

// DefaultConnectTimeout bounds Dial when Options.ConnectTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

// Options configures a PeerConn.
type Options struct {
	ConnectTimeout time.Duration
	Codec          codec.CodecType
	Logger         *zap.Logger
}

// PeerConn is one logical link to a named peer.
type PeerConn struct {
	name   string
	addr   string
	conn   net.Conn
	codec  codec.Codec
	logger *zap.Logger

	lock chan struct{} // capacity 1; blocked senders are served FIFO
	seq  uint32        // guarded by lock

	healthy      atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once
	connectedAt  time.Time
	lastExchange atomic.Int64 // unix nanos
}

// Dial opens a connection to addr within the connect timeout. It does not
// retry; that is the caller's job.
func Dial(ctx context.Context, name, addr string, opts Options) (*PeerConn, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c := codec.GetCodec(opts.Codec)
	if c == nil {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrConnect, opts.Codec)
	}

	d := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s: %w", ErrConnect, name, addr, err)
	}
	return newPeerConn(name, addr, conn, c, opts.Logger), nil
}

func newPeerConn(name, addr string, conn net.Conn, c codec.Codec, logger *zap.Logger) *PeerConn {
	now := time.Now()
	p := &PeerConn{
		name:        name,
		addr:        addr,
		conn:        conn,
		codec:       c,
		logger:      logger.With(zap.String("peer", name)),
		lock:        make(chan struct{}, 1),
		connectedAt: now,
	}
	p.healthy.Store(true)
	p.lastExchange.Store(now.UnixNano())
	return p
}

// SendAndReceive performs one request/response exchange bounded by timeout
// and by ctx, whichever ends first.
func (p *PeerConn) SendAndReceive(ctx context.Context, req *message.Request, timeout time.Duration) (*message.Response, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, fmt.Errorf("%w: waiting for %s: %w", ErrTimeout, p.name, err)
	}
	defer p.release()

	if p.closed.Load() {
		return nil, fmt.Errorf("%w: %s: %w", ErrIO, p.name, net.ErrClosed)
	}
	if !p.healthy.Load() {
		return nil, fmt.Errorf("%w: %s", ErrUnhealthy, p.name)
	}

	body, err := p.codec.Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request for %s: %w", p.name, err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	// A cancelled ctx unblocks the pending read or write immediately. If the
	// callback already started, wait for it so its past deadline cannot land
	// after the lock has passed to the next caller.
	cancelled := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = p.conn.SetDeadline(time.Unix(1, 0))
		close(cancelled)
	})
	defer func() {
		if !stop() {
			<-cancelled
		}
	}()

	p.seq++
	seq := p.seq

	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return nil, p.fail(ctx, "write", err)
	}
	header := protocol.Header{
		CodecType: byte(p.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(p.conn, &header, body); err != nil {
		return nil, p.fail(ctx, "write", err)
	}

	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return nil, p.fail(ctx, "read", err)
	}
	replyHeader, replyBody, err := protocol.Decode(p.conn)
	if err != nil {
		return nil, p.fail(ctx, "read", err)
	}
	if replyHeader.MsgType != protocol.MsgTypeResponse || replyHeader.Seq != seq {
		return nil, p.fail(ctx, "read", fmt.Errorf("%w: got frame type %d seq %d, want response seq %d",
			protocol.ErrMalformed, replyHeader.MsgType, replyHeader.Seq, seq))
	}

	c := codec.GetCodec(codec.CodecType(replyHeader.CodecType))
	var resp message.Response
	if err := c.Decode(replyBody, &resp); err != nil {
		return nil, p.fail(ctx, "decode", err)
	}

	// The server closes the stream after an invalid_payload reply, which may
	// carry UnknownRequestID if our id was unreadable. Deliver it and stop
	// using the connection.
	if resp.Error != nil && resp.Error.Code == message.CodeInvalidPayload &&
		(resp.RequestID == req.ID || resp.RequestID == message.UnknownRequestID) {
		p.healthy.Store(false)
		return &resp, nil
	}
	if resp.RequestID != req.ID {
		return nil, p.fail(ctx, "read", fmt.Errorf("reply for %q, want %q", resp.RequestID, req.ID))
	}

	p.lastExchange.Store(time.Now().UnixNano())
	return &resp, nil
}

// acquire takes the exclusive lock or gives up when ctx ends.
func (p *PeerConn) acquire(ctx context.Context) error {
	select {
	case p.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PeerConn) release() {
	<-p.lock
}

// fail marks the connection unhealthy and classifies err.
func (p *PeerConn) fail(ctx context.Context, op string, err error) error {
	p.healthy.Store(false)

	kind := ErrIO
	var ne net.Error
	if ctx.Err() != nil {
		kind, err = ErrTimeout, ctx.Err()
	} else if errors.As(err, &ne) && ne.Timeout() {
		kind = ErrTimeout
	}
	p.logger.Warn("exchange failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s %s: %w", kind, op, p.name, err)
}

// Name returns the peer name.
func (p *PeerConn) Name() string { return p.name }

// Addr returns the dialed endpoint.
func (p *PeerConn) Addr() string { return p.addr }

// Healthy reports whether the last exchange succeeded and the conn is open.
func (p *PeerConn) Healthy() bool { return p.healthy.Load() && !p.closed.Load() }

// MarkUnhealthy downgrades the connection without closing it.
func (p *PeerConn) MarkUnhealthy() { p.healthy.Store(false) }

// ConnectedAt returns when the connection was established.
func (p *PeerConn) ConnectedAt() time.Time { return p.connectedAt }

// LastExchange returns the time of the last successful exchange, or the
// connect time if there has been none.
func (p *PeerConn) LastExchange() time.Time { return time.Unix(0, p.lastExchange.Load()) }

// Age returns how long the connection has been open.
func (p *PeerConn) Age() time.Duration { return time.Since(p.connectedAt) }

// Close releases the connection. Safe to call more than once.
func (p *PeerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.healthy.Store(false)
		err = p.conn.Close()
	})
	return err
}
