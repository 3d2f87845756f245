// Package registry tells an agent which peers exist and where to reach them.
//
// StaticRegistry serves a fixed list from configuration. EtcdRegistry keeps
// the list in etcd so agents can advertise themselves on startup and vanish
// automatically when their lease expires.
package registry

import "context"

// Well-known peer roles. The coordinator weights suggestions by role.
const (
	RoleCodeAnalysis = "code-analysis"
	RoleLogAnalysis  = "log-analysis"
	RoleCoordinator  = "coordinator"
)

// PeerInstance describes one reachable agent.
type PeerInstance struct {
	Name   string `json:"name" yaml:"name"`
	Addr   string `json:"addr" yaml:"addr"`
	Role   string `json:"role,omitempty" yaml:"role"`
	Method string `json:"method,omitempty" yaml:"method"` // analysis method override
}

type Registry interface {
	Register(ctx context.Context, instance PeerInstance, ttl int64) error
	Deregister(ctx context.Context, name string) error
	Discover(ctx context.Context) ([]PeerInstance, error)
	Watch(ctx context.Context) <-chan []PeerInstance
}
