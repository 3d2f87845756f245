package registry

import (
	"context"
	"sort"
	"sync"
)

// StaticRegistry is an in-process Registry. TTLs are ignored.
type StaticRegistry struct {
	mu       sync.RWMutex
	peers    map[string]PeerInstance
	watchers []chan []PeerInstance
}

// NewStaticRegistry seeds the registry with peers.
func NewStaticRegistry(peers ...PeerInstance) *StaticRegistry {
	r := &StaticRegistry{peers: make(map[string]PeerInstance)}
	for _, p := range peers {
		r.peers[p.Name] = p
	}
	return r
}

func (r *StaticRegistry) Register(_ context.Context, instance PeerInstance, _ int64) error {
	r.mu.Lock()
	r.peers[instance.Name] = instance
	r.mu.Unlock()
	r.notify()
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, name string) error {
	r.mu.Lock()
	delete(r.peers, name)
	r.mu.Unlock()
	r.notify()
	return nil
}

// Discover returns all peers sorted by name.
func (r *StaticRegistry) Discover(_ context.Context) ([]PeerInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(), nil
}

// Watch emits the full peer list after every change until ctx ends.
// Slow readers only ever see the latest list.
func (r *StaticRegistry) Watch(ctx context.Context) <-chan []PeerInstance {
	ch := make(chan []PeerInstance, 1)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, w := range r.watchers {
			if w == ch {
				r.watchers = append(r.watchers[:i], r.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notify holds the write lock so concurrent changes deliver in order.
func (r *StaticRegistry) notify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshotLocked()
	for _, w := range r.watchers {
		select {
		case <-w:
		default:
		}
		select {
		case w <- snap:
		default:
		}
	}
}

func (r *StaticRegistry) snapshotLocked() []PeerInstance {
	out := make([]PeerInstance, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
