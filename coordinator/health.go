package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"peerlink/client"
	"peerlink/registry"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Peer health states reported by HealthMonitor.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusUnknown   = "unknown"
)

// PeerHealth is the monitor's view of one peer.
type PeerHealth struct {
	Name             string    `json:"name"`
	Status           string    `json:"status"`
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor pings every known peer on an interval and redials the ones
// whose connection failed, went stale or was never made. It is how a peer
// marked unhealthy by a timeout gets back into the fan-out.
type HealthMonitor struct {
	client   *client.Client
	interval time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	peers map[string]*PeerHealth

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHealthMonitor(c *client.Client, interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		client:   c,
		interval: interval,
		logger:   logger.With(zap.String("component", "health")),
		peers:    make(map[string]*PeerHealth),
	}
}

// Start checks all peers immediately and then every interval until Stop or
// ctx ends. peers is called on each round for the current peer list.
func (h *HealthMonitor) Start(ctx context.Context, peers func() []registry.PeerInstance) {
	ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()

		h.logger.Info("health monitor started", zap.Duration("interval", h.interval))
		h.CheckAll(ctx, peers())
		for {
			select {
			case <-ticker.C:
				h.CheckAll(ctx, peers())
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for the current round to finish.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// CheckAll runs one round over peers concurrently and drops records for
// peers no longer listed.
func (h *HealthMonitor) CheckAll(ctx context.Context, peers []registry.PeerInstance) {
	current := make(map[string]bool, len(peers))
	var g errgroup.Group
	for _, p := range peers {
		p := p
		current[p.Name] = true
		g.Go(func() error {
			h.check(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	h.mu.Lock()
	for name := range h.peers {
		if !current[name] {
			delete(h.peers, name)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, p registry.PeerInstance) {
	ok := h.reachable(ctx, p)

	h.mu.Lock()
	defer h.mu.Unlock()
	rec, exists := h.peers[p.Name]
	if !exists {
		rec = &PeerHealth{Name: p.Name, Status: StatusUnknown}
		h.peers[p.Name] = rec
	}
	rec.LastCheck = time.Now()
	if ok {
		if rec.Status == StatusUnhealthy {
			h.logger.Info("peer recovered", zap.String("peer", p.Name), zap.Int("after_fails", rec.ConsecutiveFails))
		}
		rec.Status = StatusHealthy
		rec.LastHealthy = rec.LastCheck
		rec.ConsecutiveFails = 0
		return
	}
	rec.ConsecutiveFails++
	if rec.Status != StatusUnhealthy {
		h.logger.Warn("peer unhealthy", zap.String("peer", p.Name))
	}
	rec.Status = StatusUnhealthy
}

// reachable returns true if p answered a ping, reconnecting first when needed.
func (h *HealthMonitor) reachable(ctx context.Context, p registry.PeerInstance) bool {
	switch {
	case !h.client.IsConnected(p.Name):
		if !h.client.ConnectToPeer(ctx, p.Name, p.Addr) {
			return false
		}
	case !h.client.CheckHealth(ctx, p.Name):
		// Either unhealthy or a stale reconnect failed; try once more.
		if !h.client.Reconnect(ctx, p.Name) {
			return false
		}
	}

	resp, err := h.client.Ping(ctx, p.Name)
	return err == nil && resp.OK()
}

// Status returns the latest record for every monitored peer, sorted by name.
func (h *HealthMonitor) Status() []PeerHealth {
	h.mu.RLock()
	out := make([]PeerHealth, 0, len(h.peers))
	for _, rec := range h.peers {
		out = append(out, *rec)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
