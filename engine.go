package atomcache

import (
	"context"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel/attribute"

	"github.com/unkn0wn-root/atomcache/internal/canon"
)

// base carries what every engine shares.
type base struct {
	kind  Kind
	ns    string
	log   Logger
	hooks Hooks
	tr    tracer
}

func newBase(kind Kind, cfg config) base {
	return base{
		kind:  kind,
		ns:    cfg.namespace,
		log:   nsLogger{l: cfg.log, kind: kind, ns: cfg.namespace},
		hooks: cfg.hooks,
		tr:    newTracer(cfg.tp, kind, cfg.namespace),
	}
}

func (b *base) Kind() Kind { return b.kind }

func (b *base) newEvents() *events {
	return newEvents(func(name EventName, err error) {
		b.hooks.ListenerFailed(name, err)
		b.log.Warn("listener failed", Fields{"event": string(name), "err": err})
	})
}

func (b *base) Namespace() string { return b.ns }

// invoke runs user code inside a span. Panics become errors; failures are
// wrapped in *FetchError and reported.
func invoke[V any](ctx context.Context, b *base, op, key string, fn func(context.Context) (V, error), attrs ...attribute.KeyValue) (V, error) {
	h := canon.Hash(key)
	attrs = append(attrs, attrKeyHash.Int64(int64(h)))
	ctx, span := b.tr.start(ctx, op, attrs...)

	var (
		v   V
		err error
		c   panics.Catcher
	)
	c.Try(func() { v, err = fn(ctx) })
	if r := c.Recovered(); r != nil {
		var zero V
		v, err = zero, r.AsError()
	}
	if err != nil {
		err = &FetchError{Kind: b.kind, Key: key, Err: err}
		b.hooks.FetchFailed(b.kind, h, err)
		b.log.Debug("fetch failed", Fields{"op": op, "key_hash": h, "err": err})
	}
	endSpan(span, err)
	return v, err
}

// detach keeps ctx values (trace parent, request-scoped data) for shared work
// that must outlive the caller that started it.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
