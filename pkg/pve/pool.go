package pve

import (
	"sync"

	"github.com/roost-io/roost/pkg/types"
)

// Factory builds a Client for a host. Tests swap in a fake factory.
type Factory func(host *types.ProxmoxHost) (Client, error)

// Pool hands out one shared Client per host. Clients are stateless, so
// sharing is safe; the pool only exists to reuse the underlying HTTP
// connections.
type Pool struct {
	mu      sync.Mutex
	clients map[string]Client
	factory Factory
}

// NewPool creates a pool. A nil factory uses NewAPIClient.
func NewPool(factory Factory) *Pool {
	if factory == nil {
		factory = func(host *types.ProxmoxHost) (Client, error) {
			return NewAPIClient(host)
		}
	}
	return &Pool{
		clients: make(map[string]Client),
		factory: factory,
	}
}

// Get returns the host's client, building it on first use.
func (p *Pool) Get(host *types.ProxmoxHost) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[host.ID]; ok {
		return c, nil
	}
	c, err := p.factory(host)
	if err != nil {
		return nil, err
	}
	p.clients[host.ID] = c
	return c, nil
}

// Invalidate drops the cached client for a host. Called after credential
// or address changes so the next Get rebuilds it.
func (p *Pool) Invalidate(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, hostID)
}
