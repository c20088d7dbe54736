package client

import (
	"context"
	"fmt"

	"tunnel-rpc/loadbalance"
	"tunnel-rpc/registry"
)

// Locator resolves a service id to the endpoint a new session should dial.
type Locator struct {
	registry registry.Registry
	balancer loadbalance.Balancer
}

// NewLocator returns a locator; a nil balancer means round robin.
func NewLocator(reg registry.Registry, bal loadbalance.Balancer) *Locator {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	return &Locator{registry: reg, balancer: bal}
}

func (l *Locator) Locate(ctx context.Context, serviceID string) (*registry.Endpoint, error) {
	eps, err := l.registry.Discover(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", serviceID, err)
	}
	ep, err := l.balancer.Pick(eps)
	if err != nil {
		return nil, fmt.Errorf("pick endpoint for %s with %s: %w", serviceID, l.balancer.Name(), err)
	}
	return ep, nil
}
