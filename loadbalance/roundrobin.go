package loadbalance

import (
	"sync/atomic"

	"tunnel-rpc/registry"
)

// RoundRobinBalancer cycles through the endpoints with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Int64
}

func (b *RoundRobinBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	index := b.counter.Add(1) % int64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
