package atomcache

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/unkn0wn-root/atomcache/codec"
	"github.com/unkn0wn-root/atomcache/provider"
)

// SetCostFunc computes the provider cost of a stored frame.
// Default: len(raw).
type SetCostFunc func(storageKey string, raw []byte) int64

type config struct {
	namespace string
	log       Logger
	hooks     Hooks
	window    time.Duration
	tp        trace.TracerProvider

	codec    any // codec.Codec[V], checked by the constructor
	provider provider.Provider
	ttl      time.Duration
	setCost  SetCostFunc
}

// Option configures an engine.
type Option func(*config)

// WithNamespace names the engine in logs, spans and provider keys. Engines
// sharing one provider must use distinct namespaces. Default: "<kind>-<n>".
func WithNamespace(ns string) Option { return func(c *config) { c.namespace = ns } }

func WithLogger(l Logger) Option { return func(c *config) { c.log = l } }

func WithHooks(h Hooks) Option { return func(c *config) { c.hooks = h } }

// WithWindow sets how long a composition waits to coalesce queries into one
// bulk call. Default: DefaultWindow.
func WithWindow(d time.Duration) Option { return func(c *config) { c.window = d } }

// WithTracerProvider overrides otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) { c.tp = tp }
}

// WithCodec stores committed values encoded and decodes a fresh copy on every
// read. V must match the engine's value type. Streams ignore it.
func WithCodec[V any](cd codec.Codec[V]) Option {
	return func(c *config) { c.codec = cd }
}

// WithProvider keeps encoded values in p. Requires WithCodec.
func WithProvider(p provider.Provider) Option { return func(c *config) { c.provider = p } }

// WithValueTTL is passed to the provider on every Set. A value the provider
// expires is re-fetched on the next query.
func WithValueTTL(d time.Duration) Option { return func(c *config) { c.ttl = d } }

func WithSetCost(fn SetCostFunc) Option { return func(c *config) { c.setCost = fn } }

// Must panics if err is non-nil. For package-level engine declarations.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
