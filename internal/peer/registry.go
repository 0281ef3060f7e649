package peer

import (
	"context"
	"sort"
	"sync"
)

// Registry is a named collection of peer clients, populated at startup.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*Client)}
}

// Register adds or replaces a peer by name.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[c.Name()] = c
}

// Get returns the named peer.
func (r *Registry) Get(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.peers[name]
	return c, ok
}

// Names returns all registered peer names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.peers))
	for name := range r.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheckAll probes every peer concurrently. A peer is healthy iff its
// health document reports status "healthy".
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.peers))
	for _, c := range r.peers {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(clients))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			health := c.Health(ctx)
			ok, _ := health["status"].(string)
			mu.Lock()
			results[c.Name()] = ok == "healthy"
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}
