package registry

// etcd works as a distributed phonebook for agents:
//
//	Key:   /peerlink/peers/{Name}
//	Value: JSON-encoded PeerInstance
//
// Registration uses TTL-based leases: if an agent crashes, its lease expires
// and the entry disappears, so nobody keeps dialing a ghost.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/peerlink/peers/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		logger: logger,
		leases: make(map[string]lease),
	}, nil
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close. Registering a name again replaces the
// previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, instance PeerInstance, ttl int64) error {
	grant, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	if _, err := r.client.Put(ctx, keyPrefix+instance.Name, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("registering %s: %w", instance.Name, err)
	}

	// KeepAlive outlives the caller's ctx; it stops when the lease is dropped.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()

	r.mu.Lock()
	prev, had := r.leases[instance.Name]
	r.leases[instance.Name] = lease{id: grant.ID, cancel: cancel}
	r.mu.Unlock()
	if had {
		prev.cancel()
	}

	r.logger.Info("registered peer", zap.String("peer", instance.Name), zap.String("addr", instance.Addr), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, name string) error {
	r.mu.Lock()
	l, ok := r.leases[name]
	delete(r.leases, name)
	r.mu.Unlock()

	if ok {
		l.cancel()
		if _, err := r.client.Revoke(ctx, l.id); err != nil {
			r.logger.Warn("revoking lease failed", zap.String("peer", name), zap.Error(err))
		}
	}
	if _, err := r.client.Delete(ctx, keyPrefix+name); err != nil {
		return fmt.Errorf("deregistering %s: %w", name, err)
	}
	return nil
}

// Discover returns all currently registered instances, sorted by name.
func (r *EtcdRegistry) Discover(ctx context.Context) ([]PeerInstance, error) {
	resp, err := r.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovering peers: %w", err)
	}

	instances := make([]PeerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance PeerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })
	return instances, nil
}

// Watch emits the full instance list whenever anything under the prefix
// changes, until ctx ends.
func (r *EtcdRegistry) Watch(ctx context.Context) <-chan []PeerInstance {
	ch := make(chan []PeerInstance, 1)

	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, keyPrefix, clientv3.WithPrefix()) {
			// Re-fetching is simpler than applying individual events.
			instances, err := r.Discover(ctx)
			if err != nil {
				r.logger.Warn("refreshing peers after watch event", zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close drops all leases held by this registry and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for name, l := range r.leases {
		l.cancel()
		delete(r.leases, name)
	}
	r.mu.Unlock()
	return r.client.Close()
}
