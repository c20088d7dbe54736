package registry

import (
	"context"
	"sort"
	"sync"
)

// StaticRegistry is an in-memory Registry for single-process setups and tests. TTLs are
// ignored.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]Endpoint
	watchers map[string][]chan []Endpoint
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		services: make(map[string]map[string]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
}

func (r *StaticRegistry) Register(_ context.Context, serviceID string, ep Endpoint, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	eps := r.services[serviceID]
	if eps == nil {
		eps = make(map[string]Endpoint)
		r.services[serviceID] = eps
	}
	eps[ep.URL] = ep
	r.notifyLocked(serviceID)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, serviceID string, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services[serviceID], url)
	r.notifyLocked(serviceID)
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, serviceID string) ([]Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(serviceID), nil
}

// Watch emits the endpoint list after every change until ctx is done. Slow readers only
// see the latest list.
func (r *StaticRegistry) Watch(ctx context.Context, serviceID string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[serviceID] = append(r.watchers[serviceID], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[serviceID]
		for i, w := range ws {
			if w == ch {
				r.watchers[serviceID] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *StaticRegistry) listLocked(serviceID string) []Endpoint {
	eps := make([]Endpoint, 0, len(r.services[serviceID]))
	for _, ep := range r.services[serviceID] {
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].URL < eps[j].URL })
	return eps
}

func (r *StaticRegistry) notifyLocked(serviceID string) {
	list := r.listLocked(serviceID)
	for _, ch := range r.watchers[serviceID] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
