package a2a

import (
	"sync"

	"github.com/agentmesh/router/runtime/a2a/httpclient"
)

// Pool maps a remote agent URL to a single shared Caller, so repeated
// dispatches to the same agent reuse one underlying *http.Client and its
// connection pool instead of constructing a new one per call (spec §4.6
// "pool maps URL to single shared client").
//
// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.RWMutex
	clients map[string]Caller
	newFn   func(url string) (Caller, error)
}

// NewPool returns an empty Pool. newFn constructs the Caller for a URL
// the pool has not seen yet; pass nil to use httpclient.New with default
// options.
func NewPool(newFn func(url string) (Caller, error)) *Pool {
	if newFn == nil {
		newFn = func(url string) (Caller, error) { return httpclient.New(url) }
	}
	return &Pool{clients: make(map[string]Caller), newFn: newFn}
}

// Get returns the shared Caller for url, constructing and caching one on
// first access. Concurrent callers racing on a cold url each construct a
// client, but only one wins the cache; the losers' clients are discarded.
func (p *Pool) Get(url string) (Caller, error) {
	p.mu.RLock()
	c, ok := p.clients[url]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := p.newFn(url)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[url]; ok {
		return existing, nil
	}
	p.clients[url] = c
	return c, nil
}

// CloseAll releases every pooled client that implements io.Closer and
// empties the pool. httpclient.Client does not itself hold a closeable
// resource beyond the standard *http.Client transport, so this is a
// no-op for the default constructor; it exists for Caller implementations
// that do hold one (for example a gRPC-backed Caller).
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, c := range p.clients {
		if closer, ok := c.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(p.clients, url)
	}
}

// Len reports the number of distinct URLs currently pooled. Intended for
// tests and metrics, not for control flow.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
