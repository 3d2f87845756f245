package client

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"peerlink/codec"
	"peerlink/message"
	"peerlink/server"
	"peerlink/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startPeer runs a server named name whose "echo" method reports what it saw.
func startPeer(t *testing.T, name string) *server.Server {
	t.Helper()
	s := server.New(name, server.Options{})
	s.HandleFunc("echo", func(ctx context.Context, req *message.Request) (map[string]any, error) {
		return map[string]any{"source": req.Source, "target": req.Target, "params": req.Params}, nil
	})
	s.HandleFunc(MethodPing, func(ctx context.Context, req *message.Request) (map[string]any, error) {
		return map[string]any{"status": "ok", "agent": name}, nil
	})
	require.NoError(t, s.Start("127.0.0.1", 0))
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

// slowOnce returns a handler that stalls on its first call only.
func slowOnce(d time.Duration) func(context.Context, *message.Request) (map[string]any, error) {
	var calls atomic.Int32
	return func(ctx context.Context, req *message.Request) (map[string]any, error) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(d):
			case <-ctx.Done():
			}
		}
		return map[string]any{"ok": true}, nil
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestConnectRetriesWithBackoff(t *testing.T) {
	peer := startPeer(t, "code_agent")

	var attempts atomic.Int32
	dial = func(ctx context.Context, name, addr string, opts transport.Options) (*transport.PeerConn, error) {
		if attempts.Add(1) < 3 {
			return nil, transport.ErrConnect
		}
		return transport.Dial(ctx, name, addr, opts)
	}
	t.Cleanup(func() { dial = transport.Dial })

	c := New("orchestrator", Options{MaxRetries: 3, RetryBackoff: 50 * time.Millisecond})
	defer c.CloseAll()

	start := time.Now()
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))
	assert.EqualValues(t, 3, attempts.Load())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.True(t, c.IsConnected("code_agent"))
	assert.Equal(t, []string{"code_agent"}, c.HealthyPeers())
}

func TestConnectGivesUp(t *testing.T) {
	c := New("orchestrator", Options{MaxRetries: 2, RetryBackoff: 10 * time.Millisecond, ConnectTimeout: 200 * time.Millisecond})
	defer c.CloseAll()

	assert.False(t, c.ConnectToPeer(context.Background(), "log_agent", closedAddr(t)))
	assert.False(t, c.IsConnected("log_agent"))
	assert.Empty(t, c.Peers())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, c.ConnectToPeer(ctx, "log_agent", closedAddr(t)))
}

func TestSendRequestNotConnected(t *testing.T) {
	c := New("orchestrator", Options{})
	_, err := c.SendRequest(context.Background(), "ghost", message.NewRequest("echo", nil, "orchestrator", "ghost"))
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = c.SendRequestWithRetry(context.Background(), "ghost", message.NewRequest("echo", nil, "", ""), 3)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSendRequestAddressesPeer(t *testing.T) {
	peer := startPeer(t, "code_agent")
	c := New("orchestrator", Options{MaxRetries: 1})
	defer c.CloseAll()
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))

	req := message.NewRequest("echo", map[string]any{"n": 1}, "", "someone_else")
	resp, err := c.SendRequest(context.Background(), "code_agent", req)
	require.NoError(t, err)
	require.True(t, resp.OK())
	assert.Equal(t, req.ID, resp.RequestID)
	assert.Equal(t, "orchestrator", resp.Result["source"])
	assert.Equal(t, "code_agent", resp.Result["target"])
	assert.Equal(t, "code_agent", resp.Source)
	assert.Equal(t, "orchestrator", resp.Target)
	// The caller's request is left untouched.
	assert.Equal(t, "someone_else", req.Target)
}

func TestSendRequestCBOR(t *testing.T) {
	peer := startPeer(t, "code_agent")
	c := New("orchestrator", Options{MaxRetries: 1, Codec: codec.CodecTypeCBOR})
	defer c.CloseAll()
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))

	resp, err := c.Ping(context.Background(), "code_agent")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Result["status"])
}

func TestBroadcastSkipsFailedPeers(t *testing.T) {
	fast := startPeer(t, "fast_agent")
	slow := startPeer(t, "slow_agent")
	slow.HandleFunc("echo", slowOnce(time.Second))
	gone := startPeer(t, "gone_agent")

	c := New("orchestrator", Options{MaxRetries: 1, RequestTimeout: 150 * time.Millisecond})
	defer c.CloseAll()
	ctx := context.Background()
	for _, s := range []*server.Server{fast, slow, gone} {
		require.True(t, c.ConnectToPeer(ctx, s.Name(), s.Addr()))
	}
	require.NoError(t, gone.Stop(ctx))

	start := time.Now()
	replies := c.Broadcast(ctx, message.NewRequest("echo", nil, "orchestrator", ""))
	assert.Less(t, time.Since(start), time.Second)

	require.Len(t, replies, 1)
	assert.Equal(t, "fast_agent", replies[0].Source)
	assert.Equal(t, []string{"fast_agent"}, c.HealthyPeers())

	// Unhealthy peers stay in the table until someone reconnects them.
	assert.Len(t, c.Peers(), 3)
}

func TestSendRequestWithRetryReconnects(t *testing.T) {
	peer := startPeer(t, "code_agent")
	peer.HandleFunc("flaky", slowOnce(time.Second))

	c := New("orchestrator", Options{MaxRetries: 1, RequestTimeout: 100 * time.Millisecond, RetryBackoff: 10 * time.Millisecond})
	defer c.CloseAll()
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))

	resp, err := c.SendRequestWithRetry(context.Background(), "code_agent", message.NewRequest("flaky", nil, "", ""), 3)
	require.NoError(t, err)
	assert.Equal(t, true, resp.Result["ok"])
	assert.Equal(t, []string{"code_agent"}, c.HealthyPeers())
}

func TestSendRequestTimeoutMarksUnhealthy(t *testing.T) {
	peer := startPeer(t, "code_agent")
	peer.HandleFunc("flaky", slowOnce(time.Second))

	c := New("orchestrator", Options{MaxRetries: 1, RequestTimeout: 100 * time.Millisecond})
	defer c.CloseAll()
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))

	_, err := c.SendRequest(context.Background(), "code_agent", message.NewRequest("flaky", nil, "", ""))
	assert.True(t, errors.Is(err, transport.ErrTimeout), "got %v", err)
	assert.Empty(t, c.HealthyPeers())
	assert.False(t, c.CheckHealth(context.Background(), "code_agent"))

	assert.True(t, c.Reconnect(context.Background(), "code_agent"))
	assert.True(t, c.CheckHealth(context.Background(), "code_agent"))
}

func TestCheckHealthRedialsStaleConnection(t *testing.T) {
	peer := startPeer(t, "code_agent")
	c := New("orchestrator", Options{MaxRetries: 1, MaxConnAge: 50 * time.Millisecond})
	defer c.CloseAll()
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))
	first := c.Peers()[0].ConnectedAt

	time.Sleep(80 * time.Millisecond)
	require.True(t, c.CheckHealth(context.Background(), "code_agent"))
	assert.True(t, c.Peers()[0].ConnectedAt.After(first))

	assert.False(t, c.CheckHealth(context.Background(), "ghost"))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	peer := startPeer(t, "code_agent")
	c := New("orchestrator", Options{MaxRetries: 1})
	require.True(t, c.ConnectToPeer(context.Background(), "code_agent", peer.Addr()))

	c.Disconnect("code_agent")
	c.Disconnect("code_agent")
	c.Disconnect("never_seen")
	assert.False(t, c.IsConnected("code_agent"))

	// The endpoint is remembered, so a reconnect needs no address.
	assert.True(t, c.Reconnect(context.Background(), "code_agent"))
	assert.False(t, c.Reconnect(context.Background(), "never_seen"))

	c.CloseAll()
	c.CloseAll()
	assert.Empty(t, c.Peers())
}

func BenchmarkSendRequest(b *testing.B) {
	s := server.New("code_agent", server.Options{})
	s.HandleFunc("echo", func(ctx context.Context, req *message.Request) (map[string]any, error) {
		return req.Params, nil
	})
	if err := s.Start("127.0.0.1", 0); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { s.Stop(context.Background()) })

	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR} {
		b.Run(ct.String(), func(b *testing.B) {
			c := New("orchestrator", Options{MaxRetries: 1, Codec: ct})
			defer c.CloseAll()
			if !c.ConnectToPeer(context.Background(), "code_agent", s.Addr()) {
				b.Fatal("connect failed")
			}
			params := map[string]any{"category": "name_error", "message": "name 'x' is not defined"}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := c.SendRequest(context.Background(), "code_agent", message.NewRequest("echo", params, "", "")); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
