package atomcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	pr "github.com/unkn0wn-root/atomcache/provider"
)

type book struct {
	ID    string   `json:"id"`
	Title string   `json:"title"`
	Tags  []string `json:"tags"`
}

type memEntry struct {
	v []byte
}

// memProvider is a plain map provider the tests can reach into.
type memProvider struct {
	mu   sync.Mutex
	m    map[string]memEntry
	sets atomic.Int64
}

var _ pr.Provider = (*memProvider)(nil)

func newMemProvider() *memProvider { return &memProvider{m: make(map[string]memEntry)} }

func (p *memProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.m[key]
	if !ok {
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *memProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sets.Add(1)
	p.m[key] = memEntry{v: value}
	return true, nil
}

func (p *memProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.m, key)
	return nil
}

func (p *memProvider) Close(_ context.Context) error { return nil }

func (p *memProvider) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.m))
	for k := range p.m {
		out = append(out, k)
	}
	return out
}

func (p *memProvider) put(key string, raw []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.m[key] = memEntry{v: raw}
}

// recHooks counts hook calls.
type recHooks struct {
	NopHooks
	mu             sync.Mutex
	selfHeal       []string
	fetchFailed    atomic.Int64
	deduplicated   atomic.Int64
	batches        []int
	listenerFailed atomic.Int64
}

func (h *recHooks) SelfHeal(_ string, reason string) {
	h.mu.Lock()
	h.selfHeal = append(h.selfHeal, reason)
	h.mu.Unlock()
}

func (h *recHooks) FetchFailed(Kind, uint32, error) { h.fetchFailed.Add(1) }
func (h *recHooks) Deduplicated(Kind, uint32)       { h.deduplicated.Add(1) }
func (h *recHooks) ListenerFailed(EventName, error) { h.listenerFailed.Add(1) }

func (h *recHooks) BatchDispatched(_ uint32, size int) {
	h.mu.Lock()
	h.batches = append(h.batches, size)
	h.mu.Unlock()
}

func (h *recHooks) healReasons() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.selfHeal...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// recv reads one value from ch or fails the test.
func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for value")
		panic("unreachable")
	}
}
