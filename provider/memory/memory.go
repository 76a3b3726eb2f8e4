// Package memory is the default in-process Provider: a mutex-guarded map with
// lazy TTL expiry. It has no capacity bound; use ristretto or bigcache for that.
package memory

import (
	"context"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/atomcache/provider"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Provider struct {
	mu  sync.RWMutex
	m   map[string]entry
	now func() time.Time
}

var _ pr.Provider = (*Provider)(nil)

func New() *Provider {
	return &Provider{m: make(map[string]entry), now: time.Now}
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	e, ok := p.m[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && p.now().After(e.exp) {
		p.mu.Lock()
		if cur, ok := p.m[key]; ok && cur.exp.Equal(e.exp) {
			delete(p.m, key)
		}
		p.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = p.now().Add(ttl)
	}
	p.mu.Lock()
	p.m[key] = entry{v: value, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired ones included.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

func (p *Provider) Close(_ context.Context) error {
	p.mu.Lock()
	p.m = make(map[string]entry)
	p.mu.Unlock()
	return nil
}
