package atomcache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/atomcache/internal/canon"
)

// Act performs a mutation.
type Act[P, V any] func(ctx context.Context, params P) (V, error)

// Action deduplicates concurrent identical calls. Nothing is cached: once a
// call settles, the next Take with the same params runs act again.
type Action[P, V any] struct {
	base

	act Act[P, V]
	sf  singleflight.Group
}

func NewAction[P, V any](act Act[P, V], opts ...Option) (*Action[P, V], error) {
	if act == nil {
		return nil, ErrNilFunc
	}
	cfg := newConfig(KindAction, opts)
	return &Action[P, V]{base: newBase(KindAction, cfg), act: act}, nil
}

// Take runs act for params, or joins the call already running for equal
// params. Leaving early via ctx does not cancel the shared call.
func (a *Action[P, V]) Take(ctx context.Context, params P) (V, error) {
	key := canon.String(params)
	leader := false
	ch := a.sf.DoChan(key, func() (any, error) {
		leader = true
		v, err := invoke(detach(ctx), &a.base, "take", key, func(ctx context.Context) (V, error) {
			return a.act(ctx, params)
		})
		return v, err
	})

	var zero V
	select {
	case res := <-ch:
		if res.Shared && !leader {
			a.hooks.Deduplicated(a.kind, canon.Hash(key))
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Request runs act directly.
func (a *Action[P, V]) Request(ctx context.Context, params P) (V, error) {
	return invoke(ctx, &a.base, "request", canon.String(params), func(ctx context.Context) (V, error) {
		return a.act(ctx, params)
	})
}
