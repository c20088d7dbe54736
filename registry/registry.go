// Package registry is the directory that tells a client which process hosts a service id.
package registry

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no endpoint hosts the requested service.
var ErrNotFound = errors.New("registry: no endpoint for service")

// Endpoint is one process serving tunnel-rpc over HTTP long-poll.
type Endpoint struct {
	URL     string `json:"url"` // base URL of the long-poll handler, e.g. http://10.0.0.5:7070/rpc
	Weight  int    `json:"weight,omitempty"`
	Version string `json:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceID string, ep Endpoint, ttl int64) error
	Deregister(ctx context.Context, serviceID string, url string) error
	Discover(ctx context.Context, serviceID string) ([]Endpoint, error)
	Watch(ctx context.Context, serviceID string) <-chan []Endpoint
}
