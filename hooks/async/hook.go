// Package asynchook moves hook calls off the engines' hot paths onto a
// bounded worker queue. When the queue is full, events are dropped.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	books, _ := atomcache.NewSource(fetchBook, atomcache.WithHooks(hooks))
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/atomcache"
)

type Hooks struct {
	inner   atomcache.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ atomcache.Hooks = (*Hooks)(nil)

func New(inner atomcache.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains the queue and stops the workers. Calls after Close are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.closed.Store(true)
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	if h.closed.Load() {
		h.dropped.Add(1)
		return
	}
	defer func() {
		// lost a race with Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)         { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string) { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) FetchFailed(kind atomcache.Kind, kh uint32, err error) {
	h.try(func() { h.inner.FetchFailed(kind, kh, err) })
}
func (h *Hooks) Deduplicated(kind atomcache.Kind, kh uint32) {
	h.try(func() { h.inner.Deduplicated(kind, kh) })
}
func (h *Hooks) BatchDispatched(gh uint32, n int) {
	h.try(func() { h.inner.BatchDispatched(gh, n) })
}
func (h *Hooks) ListenerFailed(ev atomcache.EventName, err error) {
	h.try(func() { h.inner.ListenerFailed(ev, err) })
}
