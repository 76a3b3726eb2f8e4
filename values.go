package atomcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/atomcache/codec"
	"github.com/unkn0wn-root/atomcache/internal/util"
	"github.com/unkn0wn-root/atomcache/internal/wire"
	"github.com/unkn0wn-root/atomcache/provider"
	"github.com/unkn0wn-root/atomcache/provider/memory"
)

// valueStore holds committed values keyed by canonical key. Each value is
// tagged with the generation of the commit that wrote it; get only returns a
// value whose generation matches the caller's.
type valueStore[V any] interface {
	put(ctx context.Context, key string, gen uint64, v V) error
	get(ctx context.Context, key string, gen uint64) (V, bool)
	// delIf removes key only while it still holds gen.
	delIf(ctx context.Context, key string, gen uint64)
	del(ctx context.Context, key string)
	// clone returns a copy safe to hand to a caller.
	clone(v V) V
	reset(ctx context.Context)
}

func newValueStore[V any](cfg config, prefix string) (valueStore[V], error) {
	if cfg.codec == nil {
		if cfg.provider != nil {
			return nil, ErrProviderNoCodec
		}
		return &refValues[V]{m: make(map[string]refEntry[V])}, nil
	}
	cd, ok := cfg.codec.(codec.Codec[V])
	if !ok {
		var zero V
		return nil, &CodecError{Want: fmt.Sprintf("%T", zero), Got: fmt.Sprintf("%T", cfg.codec)}
	}
	p := cfg.provider
	if p == nil {
		p = memory.New()
	}
	return &codecValues[V]{
		codec:   cd,
		p:       p,
		prefix:  prefix + ":" + cfg.namespace,
		ttl:     cfg.ttl,
		setCost: cfg.setCost,
		hooks:   cfg.hooks,
		log:     cfg.log,
	}, nil
}

type refEntry[V any] struct {
	gen uint64
	v   V
}

// refValues keeps values by reference. Callers must not mutate them.
type refValues[V any] struct {
	mu sync.RWMutex
	m  map[string]refEntry[V]
}

func (r *refValues[V]) put(_ context.Context, key string, gen uint64, v V) error {
	r.mu.Lock()
	if cur, ok := r.m[key]; !ok || cur.gen <= gen {
		r.m[key] = refEntry[V]{gen: gen, v: v}
	}
	r.mu.Unlock()
	return nil
}

func (r *refValues[V]) get(_ context.Context, key string, gen uint64) (V, bool) {
	r.mu.RLock()
	e, ok := r.m[key]
	r.mu.RUnlock()
	if !ok || e.gen != gen {
		var zero V
		return zero, false
	}
	return e.v, true
}

func (r *refValues[V]) delIf(_ context.Context, key string, gen uint64) {
	r.mu.Lock()
	if e, ok := r.m[key]; ok && e.gen == gen {
		delete(r.m, key)
	}
	r.mu.Unlock()
}

func (r *refValues[V]) del(_ context.Context, key string) {
	r.mu.Lock()
	delete(r.m, key)
	r.mu.Unlock()
}

func (r *refValues[V]) clone(v V) V { return v }

func (r *refValues[V]) reset(context.Context) {
	r.mu.Lock()
	r.m = make(map[string]refEntry[V])
	r.mu.Unlock()
}

// codecValues encodes on commit and decodes on every read, so each caller
// gets its own copy. Frames carry the commit generation.
type codecValues[V any] struct {
	codec   codec.Codec[V]
	p       provider.Provider
	prefix  string
	ttl     time.Duration
	setCost SetCostFunc
	hooks   Hooks
	log     Logger

	mu   sync.Mutex
	keys map[string]struct{} // storage keys written, for reset
}

func (c *codecValues[V]) skey(key string) string { return util.StorageKey(c.prefix, key) }

func (c *codecValues[V]) put(ctx context.Context, key string, gen uint64, v V) error {
	payload, err := c.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("atomcache: encode: %w", err)
	}
	sk := c.skey(key)
	frame := wire.Encode(gen, payload)
	ok, err := c.p.Set(ctx, sk, frame, c.setCost(sk, frame), c.ttl)
	if err != nil {
		return fmt.Errorf("atomcache: provider set: %w", err)
	}
	if !ok {
		c.hooks.ProviderSetRejected(sk)
		return nil
	}
	c.mu.Lock()
	if c.keys == nil {
		c.keys = make(map[string]struct{})
	}
	c.keys[sk] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *codecValues[V]) get(ctx context.Context, key string, gen uint64) (V, bool) {
	var zero V
	sk := c.skey(key)
	raw, ok, err := c.p.Get(ctx, sk)
	if err != nil {
		c.log.Warn("provider get failed", Fields{"key": sk, "err": err})
		return zero, false
	}
	if !ok {
		return zero, false
	}
	g, payload, err := wire.Decode(raw)
	if err != nil {
		c.heal(ctx, sk, "corrupt")
		return zero, false
	}
	if g != gen {
		if g < gen {
			c.heal(ctx, sk, "stale")
		}
		return zero, false
	}
	v, err := c.codec.Decode(payload)
	if err != nil {
		c.heal(ctx, sk, "decode")
		return zero, false
	}
	return v, true
}

func (c *codecValues[V]) heal(ctx context.Context, sk, reason string) {
	_ = c.p.Del(ctx, sk)
	c.hooks.SelfHeal(sk, reason)
}

func (c *codecValues[V]) delIf(ctx context.Context, key string, gen uint64) {
	sk := c.skey(key)
	raw, ok, err := c.p.Get(ctx, sk)
	if err != nil || !ok {
		return
	}
	if g, _, err := wire.Decode(raw); err == nil && g != gen {
		return
	}
	_ = c.p.Del(ctx, sk)
}

func (c *codecValues[V]) del(ctx context.Context, key string) {
	sk := c.skey(key)
	if err := c.p.Del(ctx, sk); err != nil {
		c.log.Warn("provider del failed", Fields{"key": sk, "err": err})
	}
	c.mu.Lock()
	delete(c.keys, sk)
	c.mu.Unlock()
}

func (c *codecValues[V]) clone(v V) V {
	b, err := c.codec.Encode(v)
	if err != nil {
		return v
	}
	out, err := c.codec.Decode(b)
	if err != nil {
		return v
	}
	return out
}

func (c *codecValues[V]) reset(ctx context.Context) {
	c.mu.Lock()
	keys := c.keys
	c.keys = nil
	c.mu.Unlock()
	var errs []error
	for sk := range keys {
		if err := c.p.Del(ctx, sk); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Warn("provider reset incomplete", Fields{"keys": len(keys), "err": err})
	}
}
