// Package coordinator turns one unit of work into ranked results contributed
// by every connected peer, and records the work and its outcomes in sessions.
//
//	Submit(work)
//	  ├── append work to its session
//	  ├── fan out {"work": work} to every healthy peer ──┬── peer A → suggestions
//	  │                                                  ├── peer B → timeout (nothing)
//	  │                                                  └── peer C → error (nothing)
//	  ├── score, stable sort, keep top K
//	  └── append top K to the session's outcomes
//
// Peer failures only shrink the candidate list; Submit fails only when the
// caller's context is done or the session store errors.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"peerlink/client"
	"peerlink/message"
	"peerlink/registry"
	"peerlink/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTopK           = 3
	DefaultAnalysisMethod = "analyze_error"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
)

type Options struct {
	TopK           int
	AnalysisMethod string // used for peers whose PeerInstance.Method is empty
	Scorer         *Scorer
	Store          store.Store
	Logger         *zap.Logger
}

// PeerInfo is what the coordinator knows about one peer.
type PeerInfo struct {
	registry.PeerInstance
	Connected bool `json:"connected"`
	Healthy   bool `json:"healthy"`
}

type Coordinator struct {
	client *client.Client
	opts   Options
	scorer Scorer
	store  store.Store
	logger *zap.Logger

	peersMu sync.RWMutex
	peers   map[string]registry.PeerInstance

	// mu guards sessions and activeID.
	mu       sync.Mutex
	sessions map[string]*store.Session
	activeID string // default session for work that names none
}

// New creates a coordinator that reaches peers through c.
func New(c *client.Client, opts Options) *Coordinator {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}
	if opts.AnalysisMethod == "" {
		opts.AnalysisMethod = DefaultAnalysisMethod
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	scorer := DefaultScorer()
	if opts.Scorer != nil {
		scorer = *opts.Scorer
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	return &Coordinator{
		client:   c,
		opts:     opts,
		scorer:   scorer,
		store:    st,
		logger:   opts.Logger.With(zap.String("component", "coordinator")),
		peers:    make(map[string]registry.PeerInstance),
		sessions: make(map[string]*store.Session),
	}
}

// Restore loads sessions that were still active when the store was last
// written, so a restarted coordinator keeps appending to them.
func (c *Coordinator) Restore(ctx context.Context) error {
	all, err := c.store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range all {
		if !s.Active() {
			continue
		}
		c.sessions[s.ID] = s
		c.activeID = s.ID // ListSessions is ordered by start, so the newest wins
	}
	if len(c.sessions) > 0 {
		c.logger.Info("restored sessions", zap.Int("count", len(c.sessions)), zap.String("active", c.activeID))
	}
	return nil
}

// AddPeer records inst so its role is known for scoring. It does not connect.
func (c *Coordinator) AddPeer(inst registry.PeerInstance) {
	c.peersMu.Lock()
	c.peers[inst.Name] = inst
	c.peersMu.Unlock()
}

// RemovePeer forgets name and closes its connection.
func (c *Coordinator) RemovePeer(name string) {
	c.peersMu.Lock()
	delete(c.peers, name)
	c.peersMu.Unlock()
	c.client.Disconnect(name)
}

// ConnectPeers attempts every peer reg knows about, other than this agent and
// other coordinators, and reports which connected. Each attempt is bounded by
// the client's own timeout and retry budget.
func (c *Coordinator) ConnectPeers(ctx context.Context, reg registry.Registry) (map[string]bool, error) {
	instances, err := reg.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu     sync.Mutex
		status = make(map[string]bool, len(instances))
		g      errgroup.Group
	)
	for _, inst := range instances {
		if !c.isAnalysisPeer(inst) {
			continue
		}
		inst := inst
		c.AddPeer(inst)
		g.Go(func() error {
			ok := c.client.ConnectToPeer(ctx, inst.Name, inst.Addr)
			mu.Lock()
			status[inst.Name] = ok
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for name, ok := range status {
		if !ok {
			c.logger.Warn("peer unavailable", zap.String("peer", name))
		}
	}
	return status, nil
}

// WatchPeers follows reg until ctx ends, connecting peers that appear and
// dropping those that disappear.
func (c *Coordinator) WatchPeers(ctx context.Context, reg registry.Registry) {
	updates := reg.Watch(ctx)
	// Catch anything registered before the watch began.
	if initial, err := reg.Discover(ctx); err == nil {
		c.syncPeers(ctx, initial)
	}
	for instances := range updates {
		c.syncPeers(ctx, instances)
	}
}

func (c *Coordinator) syncPeers(ctx context.Context, instances []registry.PeerInstance) {
	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		if !c.isAnalysisPeer(inst) {
			continue
		}
		seen[inst.Name] = true
		prev, known := c.peer(inst.Name)
		c.AddPeer(inst)
		if !known || prev.Addr != inst.Addr || !c.client.IsConnected(inst.Name) {
			c.client.ConnectToPeer(ctx, inst.Name, inst.Addr)
		}
	}
	for _, p := range c.Peers() {
		if !seen[p.Name] {
			c.logger.Info("peer left registry", zap.String("peer", p.Name))
			c.RemovePeer(p.Name)
		}
	}
}

func (c *Coordinator) isAnalysisPeer(inst registry.PeerInstance) bool {
	return inst.Name != c.client.Name() && inst.Role != registry.RoleCoordinator
}

func (c *Coordinator) peer(name string) (registry.PeerInstance, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	inst, ok := c.peers[name]
	return inst, ok
}

// Peers returns the known peers with their connection state, sorted by name.
func (c *Coordinator) Peers() []PeerInfo {
	healthy := make(map[string]bool)
	for _, name := range c.client.HealthyPeers() {
		healthy[name] = true
	}

	c.peersMu.RLock()
	out := make([]PeerInfo, 0, len(c.peers))
	for name, inst := range c.peers {
		out = append(out, PeerInfo{
			PeerInstance: inst,
			Connected:    c.client.IsConnected(name),
			Healthy:      healthy[name],
		})
	}
	c.peersMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PeerInstances returns the known peers as registry entries, for
// HealthMonitor.
func (c *Coordinator) PeerInstances() []registry.PeerInstance {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	out := make([]registry.PeerInstance, 0, len(c.peers))
	for _, inst := range c.peers {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Submit fans work out to every healthy peer and returns the top-ranked
// results. Work without a SessionID joins the default active session,
// which is created on demand.
func (c *Coordinator) Submit(ctx context.Context, work store.Work) ([]store.Result, error) {
	_, results, err := c.submit(ctx, work)
	return results, err
}

func (c *Coordinator) submit(ctx context.Context, work store.Work) (string, []store.Result, error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	start := time.Now()
	if work.ID == "" {
		work.ID = uuid.NewString()
	}
	if work.Timestamp.IsZero() {
		work.Timestamp = start
	}

	sessionID, err := c.appendWork(ctx, work)
	if err != nil {
		return "", nil, err
	}
	work.SessionID = sessionID

	cands := c.collect(ctx, work)
	if err := ctx.Err(); err != nil {
		return sessionID, nil, err
	}
	results := c.scorer.rank(cands, work.Category, c.opts.TopK)

	if err := c.appendOutcomes(ctx, sessionID, results...); err != nil {
		return sessionID, results, err
	}

	c.logger.Info("work processed",
		zap.String("session_id", sessionID),
		zap.String("work_id", work.ID),
		zap.String("category", work.Category),
		zap.Int("candidates", len(cands)),
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
	)
	return sessionID, results, nil
}

// collect asks every healthy peer in parallel and returns their suggestions
// in the order the replies arrived.
func (c *Coordinator) collect(ctx context.Context, work store.Work) []candidate {
	var (
		mu    sync.Mutex
		cands []candidate
		g     errgroup.Group
	)
	for _, name := range c.client.HealthyPeers() {
		name := name
		inst, _ := c.peer(name)
		method := inst.Method
		if method == "" {
			method = c.opts.AnalysisMethod
		}

		g.Go(func() error {
			req := message.NewRequest(method, map[string]any{"work": work}, c.client.Name(), name)
			resp, err := c.client.SendRequest(ctx, name, req)
			if err != nil {
				// Already logged by the client; this peer contributes nothing.
				return nil
			}
			if !resp.OK() {
				c.logger.Warn("peer returned error",
					zap.String("peer", name),
					zap.String("code", string(resp.Error.Code)),
					zap.String("error", resp.Error.Message),
				)
				return nil
			}

			suggestions := parseSuggestions(name, resp.Result)
			mu.Lock()
			for _, r := range suggestions {
				cands = append(cands, candidate{result: r, role: inst.Role})
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return cands
}

// Score computes the ranking score of r as if it came from a peer with role.
func (c *Coordinator) Score(r store.Result, role, category string) float64 {
	return c.scorer.Score(r, role, category)
}
