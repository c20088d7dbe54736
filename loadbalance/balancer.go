// Package loadbalance picks one endpoint among those hosting a service.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity endpoints
//   - WeightedRandom:  endpoints with different capacity
//   - ConsistentHash:  keeps one session on one endpoint, so its long-poll queue and
//     in-flight invocations stay together
package loadbalance

import (
	"errors"

	"tunnel-rpc/registry"
)

var ErrNoEndpoints = errors.New("no endpoints available")

// Balancer is called before each new session or invocation; it must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error)
	Name() string
}

// New returns the balancer named by strategy ("round_robin", "weighted_random" or
// "consistent_hash"); key is the affinity key used by consistent hashing.
func New(strategy, key string) (Balancer, error) {
	switch strategy {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.New("unknown balancer strategy: " + strategy)
}
