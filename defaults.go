package atomcache

import (
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// DefaultWindow is the composition debounce window.
const DefaultWindow = 64 * time.Millisecond

var nsSeq atomic.Uint64

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

func newConfig(kind Kind, opts []Option) config {
	var c config
	for _, o := range opts {
		if o != nil {
			o(&c)
		}
	}
	c.namespace = coalesce(c.namespace, kind.String()+"-"+strconv.FormatUint(nsSeq.Add(1), 10))
	c.window = coalesce(c.window, DefaultWindow)
	c.log = coalesce[Logger](c.log, NopLogger{})
	c.hooks = coalesce[Hooks](c.hooks, NopHooks{})
	c.tp = coalesce[trace.TracerProvider](c.tp, otel.GetTracerProvider())
	if c.setCost == nil {
		c.setCost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	return c
}
