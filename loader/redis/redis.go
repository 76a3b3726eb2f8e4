// Package redisloader reads values stored in Redis and exposes them as a
// Source getter (GET) and a Composition bulk getter (MGET).
//
//	l := redisloader.New(rdb, "book:", func(id string) string { return id }, codec.JSON[Book]{})
//	books, _ := atomcache.NewSource(l.Get)
//	shelf, _ := atomcache.NewComposition(l.MGet, redisloader.Find[string, Book])
//	got, _ := shelf.Query(ctx, []string{"sea", "cast"}, "") // scope "" => "book:<id>"
package redisloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/atomcache/codec"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("redisloader: not found")

// Entry pairs a decoded value with the key it was read from.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

type Loader[K comparable, V any] struct {
	rdb    redis.UniversalClient
	prefix string
	keyFn  func(K) string
	codec  codec.Codec[V]
}

func New[K comparable, V any](rdb redis.UniversalClient, prefix string, keyFn func(K) string, c codec.Codec[V]) *Loader[K, V] {
	return &Loader[K, V]{rdb: rdb, prefix: prefix, keyFn: keyFn, codec: c}
}

func (l *Loader[K, V]) key(scope string, k K) string { return l.prefix + scope + l.keyFn(k) }

// Get is an atomcache.Getter.
func (l *Loader[K, V]) Get(ctx context.Context, k K) (V, error) {
	var zero V
	rk := l.key("", k)
	b, err := l.rdb.Get(ctx, rk).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, rk)
	}
	if err != nil {
		return zero, err
	}
	v, err := l.codec.Decode(b)
	if err != nil {
		return zero, fmt.Errorf("redisloader: decode %s: %w", rk, err)
	}
	return v, nil
}

// MGet is an atomcache.BulkGetter. scope is inserted between the prefix and
// each key. Missing keys yield nil entries, which compositions drop.
func (l *Loader[K, V]) MGet(ctx context.Context, keys []K, scope string) ([]*Entry[K, V], error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rks := make([]string, len(keys))
	for i, k := range keys {
		rks[i] = l.key(scope, k)
	}
	vals, err := l.rdb.MGet(ctx, rks...).Result()
	if err != nil {
		return nil, err
	}
	return decodeMGet(l.codec, keys, vals)
}

func decodeMGet[K comparable, V any](c codec.Codec[V], keys []K, vals []any) ([]*Entry[K, V], error) {
	if len(vals) != len(keys) {
		return nil, fmt.Errorf("redisloader: mget returned %d values for %d keys", len(vals), len(keys))
	}
	out := make([]*Entry[K, V], len(keys))
	for i, raw := range vals {
		var b []byte
		switch x := raw.(type) {
		case nil:
			continue
		case string:
			b = []byte(x)
		case []byte:
			b = x
		default:
			return nil, fmt.Errorf("redisloader: unexpected mget value %T", raw)
		}
		v, err := c.Decode(b)
		if err != nil {
			return nil, fmt.Errorf("redisloader: decode key %d: %w", i, err)
		}
		out[i] = &Entry[K, V]{Key: keys[i], Value: v}
	}
	return out, nil
}

// Find is an atomcache.Finder for MGet results.
func Find[K comparable, V any](results []*Entry[K, V], k K) (*Entry[K, V], bool) {
	for _, e := range results {
		if e != nil && e.Key == k {
			return e, true
		}
	}
	return nil, false
}
