// Package agent assembles one participant: an RPC server answering peers, an
// RPC client reaching them, and optionally a coordinator fanning work out.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"peerlink/client"
	"peerlink/coordinator"
	"peerlink/message"
	"peerlink/registry"
	"peerlink/server"

	"go.uber.org/zap"
)

// Options configures an Agent.
type Options struct {
	Name string
	Role string
	Host string
	Port int

	Server server.Options
	Client client.Options

	// Registry lists peers for a coordinator and, when Advertise is set,
	// receives this agent's address.
	Registry  registry.Registry
	Advertise bool
	// WatchRegistry keeps the coordinator's peer set in step with Registry.
	WatchRegistry bool

	// Coordinator, when non-nil, turns this agent into a coordinator.
	Coordinator    *coordinator.Options
	HealthInterval time.Duration // 0 disables the health monitor

	Logger *zap.Logger
}

// Agent is one running participant. Construct it with New.
type Agent struct {
	name   string
	opts   Options
	logger *zap.Logger

	server      *server.Server
	client      *client.Client
	coordinator *coordinator.Coordinator
	monitor     *coordinator.HealthMonitor

	running  atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New builds the agent and registers the ping handler. Nothing listens until
// Start.
func New(opts Options) (*Agent, error) {
	if opts.Name == "" {
		return nil, errors.New("agent: name is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("agent", opts.Name))

	srvOpts := opts.Server
	srvOpts.Logger = opts.Logger
	srvOpts.Role = opts.Role
	if opts.Advertise {
		srvOpts.Registry = opts.Registry
	}
	cliOpts := opts.Client
	cliOpts.Logger = opts.Logger

	a := &Agent{
		name:   opts.Name,
		opts:   opts,
		logger: logger,
		server: server.New(opts.Name, srvOpts),
		client: client.New(opts.Name, cliOpts),
	}
	a.server.HandleFunc(client.MethodPing, a.handlePing)

	if opts.Coordinator != nil {
		copts := *opts.Coordinator
		copts.Logger = opts.Logger
		a.coordinator = coordinator.New(a.client, copts)
		if err := a.coordinator.RegisterHandlers(a.server); err != nil {
			return nil, err
		}
		if opts.HealthInterval > 0 {
			a.monitor = coordinator.NewHealthMonitor(a.client, opts.HealthInterval, opts.Logger)
		}
	}
	return a, nil
}

func (a *Agent) handlePing(ctx context.Context, req *message.Request) (map[string]any, error) {
	return map[string]any{
		"status":    "ok",
		"agent":     a.name,
		"role":      a.opts.Role,
		"running":   a.running.Load(),
		"timestamp": time.Now().Format(time.RFC3339Nano),
	}, nil
}

// Start opens the server and, for a coordinator, restores sessions and
// connects to every registered peer. Unreachable peers are logged and left
// to the health monitor.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.server.Start(a.opts.Host, a.opts.Port); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	a.running.Store(true)

	if a.coordinator == nil {
		a.logger.Info("agent started", zap.String("addr", a.server.Addr()), zap.String("role", a.opts.Role))
		return nil
	}

	if err := a.coordinator.Restore(ctx); err != nil {
		a.Stop(context.Background())
		return err
	}

	var bg context.Context
	bg, a.cancel = context.WithCancel(context.Background())

	if a.opts.Registry != nil {
		status, err := a.coordinator.ConnectPeers(ctx, a.opts.Registry)
		if err != nil {
			a.logger.Warn("peer discovery failed", zap.Error(err))
		}
		connected := 0
		for _, ok := range status {
			if ok {
				connected++
			}
		}
		a.logger.Info("peers connected", zap.Int("connected", connected), zap.Int("known", len(status)))

		if a.opts.WatchRegistry {
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.coordinator.WatchPeers(bg, a.opts.Registry)
			}()
		}
	}
	if a.monitor != nil {
		a.monitor.Start(bg, a.coordinator.PeerInstances)
	}

	a.logger.Info("coordinator started", zap.String("addr", a.server.Addr()))
	return nil
}

// Stop shuts everything down; it is safe to call more than once and after a
// failed Start.
func (a *Agent) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.running.Store(false)
		if a.cancel != nil {
			a.cancel()
		}
		if a.monitor != nil {
			a.monitor.Stop()
		}
		a.wg.Wait()
		a.client.CloseAll()
		err = a.server.Stop(ctx)
		a.logger.Info("agent stopped")
	})
	return err
}

func (a *Agent) Name() string                          { return a.name }
func (a *Agent) Addr() string                          { return a.server.Addr() }
func (a *Agent) Port() int                             { return a.server.Port() }
func (a *Agent) Running() bool                         { return a.running.Load() }
func (a *Agent) Server() *server.Server                { return a.server }
func (a *Agent) Client() *client.Client                { return a.client }
func (a *Agent) Coordinator() *coordinator.Coordinator { return a.coordinator }

// Health returns the monitor's latest view, or nil when not monitoring.
func (a *Agent) Health() []coordinator.PeerHealth {
	if a.monitor == nil {
		return nil
	}
	return a.monitor.Status()
}
