package registry

// EtcdRegistry keeps the directory in etcd:
//
//	Key:   /tunnel-rpc/{serviceID}/{url}
//	Value: JSON-encoded Endpoint
//
// Registration uses TTL-based leases: if the server dies, the lease expires and the entry
// disappears instead of sending clients to a dead endpoint.

import (
	"context"
	"encoding/json"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/tunnel-rpc/"

type EtcdRegistry struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]context.CancelFunc // key → stops its KeepAlive
}

func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, leases: make(map[string]context.CancelFunc)}, nil
}

func serviceKey(serviceID, url string) string {
	return keyPrefix + serviceID + "/" + url
}

// Register stores ep under a lease of ttl seconds and keeps the lease alive until
// Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceID string, ep Endpoint, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}

	key := serviceKey(serviceID, ep.URL)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// the renewal outlives the registration call, so it gets its own context
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	if prev := r.leases[key]; prev != nil {
		prev()
	}
	r.leases[key] = cancel
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, serviceID string, url string) error {
	key := serviceKey(serviceID, url)
	r.mu.Lock()
	if cancel := r.leases[key]; cancel != nil {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()

	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full endpoint list whenever anything under the service prefix changes.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceID string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	prefix := keyPrefix + serviceID + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// re-fetching is simpler than applying individual events
			eps, err := r.Discover(ctx, serviceID)
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceID string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, keyPrefix+serviceID+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			continue // Skip malformed entries
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Close stops every lease renewal and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.leases {
		cancel()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
