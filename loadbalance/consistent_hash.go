package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"tunnel-rpc/registry"
)

// ConsistentHashBalancer maps keys to endpoints with a hash ring. The same key maps to the
// same endpoint until the endpoint set changes, and a change only moves the keys of the
// endpoints that came or went.
//
// Each endpoint is placed on the ring as many virtual nodes so that a handful of
// endpoints still split the ring evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // affinity key used by Pick
	replicas int

	mu    sync.RWMutex
	ring  []uint32
	nodes map[uint32]registry.Endpoint
	set   string // fingerprint of the endpoints on the ring
}

func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Add places an endpoint on the ring.
func (b *ConsistentHashBalancer) Add(ep registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(ep)
	b.sortLocked()
}

func (b *ConsistentHashBalancer) addLocked(ep registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", ep.URL, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHashBalancer) sortLocked() {
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Lookup finds the endpoint responsible for key: the first ring node at or after the
// key's hash, wrapping around to the first node.
func (b *ConsistentHashBalancer) Lookup(key string) (*registry.Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.ring) == 0 {
		return nil, ErrNoEndpoints
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

// Pick rebuilds the ring when the endpoint set changed and looks up the balancer's key.
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint) (*registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	b.sync(endpoints)
	return b.Lookup(b.key)
}

func (b *ConsistentHashBalancer) sync(endpoints []registry.Endpoint) {
	urls := make([]string, len(endpoints))
	for i, ep := range endpoints {
		urls[i] = ep.URL
	}
	sort.Strings(urls)
	set := strings.Join(urls, "\n")

	b.mu.Lock()
	defer b.mu.Unlock()
	if set == b.set {
		return
	}
	b.set = set
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]registry.Endpoint, len(endpoints)*b.replicas)
	for _, ep := range endpoints {
		b.addLocked(ep)
	}
	b.sortLocked()
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
