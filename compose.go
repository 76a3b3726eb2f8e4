package atomcache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/unkn0wn-root/atomcache/internal/canon"
)

// BulkGetter fetches many items sharing the same extra arguments in one call.
// Results need not be aligned with items; Finder picks each item out.
type BulkGetter[I, S, V any] func(ctx context.Context, items []I, shared S) ([]V, error)

// Finder locates item's value in a bulk result. Nil pointer and nil interface
// results are dropped before it is called.
type Finder[I, V any] func(results []V, item I) (V, bool)

// Batch is the params value of composition events and of the package-level
// verbs applied to a composition.
type Batch[I, S any] struct {
	Items  []I
	Shared S
}

// Composition caches values per item and coalesces the misses of all queries
// issued within one window into one bulk call per distinct shared value.
type Composition[I, S, V any] struct {
	base
	*events

	get    BulkGetter[I, S, V]
	find   Finder[I, V]
	vals   valueStore[V]
	window time.Duration

	mu       sync.Mutex
	gen      uint64
	cached   map[string]uint64 // composite key -> committed generation
	inflight map[string]*batch[V]
	queue    map[string]queued[I, S]
	order    []string
	ticket   *ticket[V]
	timer    *time.Timer
	renewing *flight[[]V]
}

type queued[I, S any] struct {
	item      I
	shared    S
	sharedKey string
}

// batch is one bulk call. vals holds the items find reported, by composite key.
type batch[V any] struct {
	done chan struct{}
	err  error
	vals map[string]V
}

// ticket is one debounce window. batches maps every key queued in the window
// to the bulk call that covers it; it is complete once done is closed.
type ticket[V any] struct {
	done    chan struct{}
	ctx     context.Context
	batches map[string]*batch[V]
}

type group[I, S, V any] struct {
	sharedKey string
	shared    S
	items     []I
	keys      []string
	b         *batch[V]
}

func NewComposition[I, S, V any](get BulkGetter[I, S, V], find Finder[I, V], opts ...Option) (*Composition[I, S, V], error) {
	if get == nil || find == nil {
		return nil, ErrNilFunc
	}
	cfg := newConfig(KindComposition, opts)
	vals, err := newValueStore[V](cfg, "cmp")
	if err != nil {
		return nil, err
	}
	c := &Composition[I, S, V]{
		base:     newBase(KindComposition, cfg),
		get:      get,
		find:     find,
		vals:     vals,
		window:   cfg.window,
		cached:   make(map[string]uint64),
		inflight: make(map[string]*batch[V]),
		queue:    make(map[string]queued[I, S]),
	}
	c.events = c.base.newEvents()
	return c, nil
}

func compositeKeys[I any](sharedKey string, items []I) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = sharedKey + "." + canon.String(it)
	}
	return keys
}

// Query returns one value per item, in items order. Fully cached queries
// return at once; otherwise the misses join the current window. Items the
// finder does not locate come back as the zero value and are not cached.
func (c *Composition[I, S, V]) Query(ctx context.Context, items []I, shared S) ([]V, error) {
	sharedKey := canon.String(shared)
	keys := compositeKeys(sharedKey, items)

	for {
		if out, ok := c.loadCached(ctx, keys); ok {
			return out, nil
		}

		waits := make(map[string]*batch[V])
		var t *ticket[V]
		joined := false
		c.mu.Lock()
		for i, k := range keys {
			if _, ok := c.cached[k]; ok {
				continue
			}
			if b := c.inflight[k]; b != nil {
				waits[k] = b
				joined = true
				continue
			}
			if _, ok := c.queue[k]; !ok {
				c.queue[k] = queued[I, S]{item: items[i], shared: shared, sharedKey: sharedKey}
				c.order = append(c.order, k)
			}
			t = c.schedule(ctx)
		}
		c.mu.Unlock()

		if t != nil {
			select {
			case <-t.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			for _, k := range keys {
				if b := t.batches[k]; b != nil {
					waits[k] = b
				}
			}
		}
		if joined {
			c.hooks.Deduplicated(c.kind, canon.Hash(sharedKey))
		}

		for _, b := range waits {
			select {
			case <-b.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if b.err != nil {
				return nil, b.err
			}
		}

		out, ok := c.assemble(ctx, keys, waits)
		if !ok {
			continue
		}
		c.events.emit(detach(ctx), Event{Name: EventChange, Params: Batch[I, S]{Items: items, Shared: shared}, Value: c.cloneAll(out)})
		return out, nil
	}
}

// loadCached serves keys that are all committed. A value gone from the store
// drops its key and reports a miss.
func (c *Composition[I, S, V]) loadCached(ctx context.Context, keys []string) ([]V, bool) {
	gens := make([]uint64, len(keys))
	c.mu.Lock()
	for i, k := range keys {
		g, ok := c.cached[k]
		if !ok {
			c.mu.Unlock()
			return nil, false
		}
		gens[i] = g
	}
	c.mu.Unlock()

	out := make([]V, len(keys))
	for i, k := range keys {
		v, ok := c.vals.get(ctx, k, gens[i])
		if !ok {
			c.evictIf(k, gens[i])
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (c *Composition[I, S, V]) evictIf(key string, gen uint64) {
	c.mu.Lock()
	if g, ok := c.cached[key]; ok && g == gen {
		delete(c.cached, key)
	}
	c.mu.Unlock()
	c.log.Debug("value evicted, refetching", Fields{"key_hash": canon.Hash(key)})
}

// assemble builds the result in key order from the awaited batches and the
// committed values.
func (c *Composition[I, S, V]) assemble(ctx context.Context, keys []string, waits map[string]*batch[V]) ([]V, bool) {
	out := make([]V, len(keys))
	for i, k := range keys {
		if b := waits[k]; b != nil {
			if v, ok := b.vals[k]; ok {
				out[i] = c.vals.clone(v)
			}
			continue
		}
		c.mu.Lock()
		g, ok := c.cached[k]
		c.mu.Unlock()
		if !ok {
			// cleared between the window and now
			return nil, false
		}
		v, ok := c.vals.get(ctx, k, g)
		if !ok {
			c.evictIf(k, g)
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

func (c *Composition[I, S, V]) cloneAll(vs []V) []V {
	out := make([]V, len(vs))
	for i, v := range vs {
		out[i] = c.vals.clone(v)
	}
	return out
}

// schedule returns the open window, arming one if none is pending.
// Caller holds c.mu.
func (c *Composition[I, S, V]) schedule(ctx context.Context) *ticket[V] {
	if c.ticket != nil {
		return c.ticket
	}
	t := &ticket[V]{
		done:    make(chan struct{}),
		ctx:     detach(ctx),
		batches: make(map[string]*batch[V]),
	}
	c.ticket = t
	c.timer = time.AfterFunc(c.window, func() { c.flush(t) })
	return t
}

// Flush dispatches the open window now instead of at the end of the window.
func (c *Composition[I, S, V]) Flush() {
	c.mu.Lock()
	t := c.ticket
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	if t != nil {
		c.flush(t)
	}
}

// flush drains the queue in one locked step, then issues one bulk call per
// shared-args group. Keys already covered by an in-flight call join it.
func (c *Composition[I, S, V]) flush(t *ticket[V]) {
	c.mu.Lock()
	if c.ticket != t {
		c.mu.Unlock()
		return
	}
	c.ticket, c.timer = nil, nil
	queue, order := c.queue, c.order
	c.queue, c.order = make(map[string]queued[I, S]), nil

	var groups []*group[I, S, V]
	byShared := make(map[string]*group[I, S, V])
	for _, k := range order {
		if _, ok := c.cached[k]; ok {
			continue
		}
		if b := c.inflight[k]; b != nil {
			t.batches[k] = b
			continue
		}
		q := queue[k]
		g := byShared[q.sharedKey]
		if g == nil {
			g = &group[I, S, V]{sharedKey: q.sharedKey, shared: q.shared}
			byShared[q.sharedKey] = g
			groups = append(groups, g)
		}
		g.items = append(g.items, q.item)
		g.keys = append(g.keys, k)
	}
	for _, g := range groups {
		g.b = &batch[V]{done: make(chan struct{})}
		for _, k := range g.keys {
			c.inflight[k] = g.b
			t.batches[k] = g.b
		}
	}
	c.mu.Unlock()
	close(t.done)

	if len(groups) == 0 {
		return
	}
	c.log.Debug("flush", Fields{"groups": len(groups), "keys": len(order)})
	p := pool.New()
	for _, g := range groups {
		p.Go(func() { c.dispatch(t.ctx, g) })
	}
	p.Wait()
}

func (c *Composition[I, S, V]) dispatch(ctx context.Context, g *group[I, S, V]) {
	res, err := invoke(ctx, &c.base, "bulk", g.sharedKey, func(ctx context.Context) ([]V, error) {
		return c.get(ctx, g.items, g.shared)
	}, attrBatchSize.Int(len(g.items)))
	c.hooks.BatchDispatched(canon.Hash(g.sharedKey), len(g.items))

	found := make(map[string]V, len(g.items))
	if err == nil {
		err = c.findAll(compact(res), g, found)
	}

	gens := make(map[string]uint64, len(found))
	if err == nil {
		c.mu.Lock()
		for k := range found {
			c.gen++
			gens[k] = c.gen
		}
		c.mu.Unlock()
		for k, v := range found {
			if err = c.vals.put(ctx, k, gens[k], v); err != nil {
				break
			}
		}
	}

	var orphans []string
	c.mu.Lock()
	for _, k := range g.keys {
		if c.inflight[k] != g.b {
			if _, ok := gens[k]; ok {
				orphans = append(orphans, k)
			}
			continue
		}
		delete(c.inflight, k)
		if gen, ok := gens[k]; ok && err == nil {
			c.cached[k] = gen
		}
	}
	c.mu.Unlock()
	for _, k := range orphans {
		c.vals.delIf(ctx, k, gens[k])
	}

	if err != nil {
		found = nil
	}
	g.b.vals, g.b.err = found, err
	close(g.b.done)
}

func (c *Composition[I, S, V]) findAll(res []V, g *group[I, S, V], found map[string]V) error {
	var pc panics.Catcher
	pc.Try(func() {
		for i, item := range g.items {
			if v, ok := c.find(res, item); ok {
				found[g.keys[i]] = v
			}
		}
	})
	if r := pc.Recovered(); r != nil {
		err := &FetchError{Kind: c.kind, Key: g.sharedKey, Err: r.AsError()}
		c.hooks.FetchFailed(c.kind, canon.Hash(g.sharedKey), err)
		return err
	}
	return nil
}

// compact drops nil pointer and nil interface results.
func compact[V any](vs []V) []V {
	out := make([]V, 0, len(vs))
	for _, v := range vs {
		if isNil(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Renew evicts items and queries them again through the window, wrapped in
// beforeRenew / afterRenew.
//
// One renewal runs per engine at a time: a Renew issued while another is
// pending joins it, evicts nothing and returns the pending renewal's result.
func (c *Composition[I, S, V]) Renew(ctx context.Context, items []I, shared S) ([]V, error) {
	params := Batch[I, S]{Items: items, Shared: shared}
	sharedKey := canon.String(shared)
	keys := compositeKeys(sharedKey, items)

	c.mu.Lock()
	if f := c.renewing; f != nil {
		c.mu.Unlock()
		c.hooks.Deduplicated(c.kind, canon.Hash(sharedKey))
		return c.await(ctx, f)
	}
	f := newFlight[[]V]()
	c.renewing = f
	evicted := c.evictLocked(keys)
	c.mu.Unlock()
	for _, k := range evicted {
		c.vals.del(ctx, k)
	}

	go func(ctx context.Context) {
		c.events.emit(ctx, Event{Name: EventBeforeRenew, Params: params}).Wait()
		out, err := c.Query(ctx, items, shared)

		after := Event{Name: EventAfterRenew, Params: params, Err: err}
		if err == nil {
			after.Value = c.cloneAll(out)
		}
		c.events.emit(ctx, after).Wait()

		c.mu.Lock()
		c.renewing = nil
		c.mu.Unlock()
		f.settle(out, err)
	}(detach(ctx))

	return c.await(ctx, f)
}

func (c *Composition[I, S, V]) await(ctx context.Context, f *flight[[]V]) ([]V, error) {
	out, err := f.wait(ctx)
	if err != nil {
		return nil, err
	}
	return c.cloneAll(out), nil
}

// evictLocked drops committed keys and returns the ones it dropped.
// Caller holds c.mu.
func (c *Composition[I, S, V]) evictLocked(keys []string) []string {
	var evicted []string
	for _, k := range keys {
		if _, ok := c.cached[k]; ok {
			delete(c.cached, k)
			evicted = append(evicted, k)
		}
	}
	return evicted
}

// Read returns the committed values in items order and the items that have
// none. It never fetches.
func (c *Composition[I, S, V]) Read(items []I, shared S) ([]V, []I) {
	keys := compositeKeys(canon.String(shared), items)
	out := make([]V, len(items))
	var missing []I
	for i, k := range keys {
		c.mu.Lock()
		g, ok := c.cached[k]
		c.mu.Unlock()
		if ok {
			if v, ok := c.vals.get(context.Background(), k, g); ok {
				out[i] = v
				continue
			}
		}
		missing = append(missing, items[i])
	}
	return out, missing
}

// Clear evicts items. Bulk calls still in flight for them complete for their
// waiters but do not commit.
func (c *Composition[I, S, V]) Clear(ctx context.Context, items []I, shared S) {
	params := Batch[I, S]{Items: items, Shared: shared}
	keys := compositeKeys(canon.String(shared), items)
	c.events.emit(ctx, Event{Name: EventBeforeClear, Params: params}).Wait()
	c.mu.Lock()
	evicted := c.evictLocked(keys)
	for _, k := range keys {
		delete(c.inflight, k)
	}
	c.mu.Unlock()
	for _, k := range evicted {
		c.vals.del(ctx, k)
	}
	c.events.emit(ctx, Event{Name: EventAfterClear, Params: params}).Wait()
}

// ClearAll evicts every item.
func (c *Composition[I, S, V]) ClearAll(ctx context.Context) {
	c.events.emit(ctx, Event{Name: EventBeforeClear}).Wait()
	c.mu.Lock()
	c.cached = make(map[string]uint64)
	c.inflight = make(map[string]*batch[V])
	c.mu.Unlock()
	c.vals.reset(ctx)
	c.events.emit(ctx, Event{Name: EventAfterClear}).Wait()
}

// Request calls the bulk getter directly and returns its raw results.
func (c *Composition[I, S, V]) Request(ctx context.Context, items []I, shared S) ([]V, error) {
	sharedKey := canon.String(shared)
	return invoke(ctx, &c.base, "request", sharedKey, func(ctx context.Context) ([]V, error) {
		return c.get(ctx, items, shared)
	}, attrBatchSize.Int(len(items)))
}

// Len reports the number of committed items.
func (c *Composition[I, S, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cached)
}
