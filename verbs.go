package atomcache

import (
	"context"
	"reflect"
)

// The package-level verbs accept any Handle and dispatch on its Kind. A verb
// the kind does not support returns *KindError; params of the wrong Go type
// return *ParamsError. Composition params are Batch[I, S].

type querier interface {
	queryAny(ctx context.Context, params any) (any, error)
}

type renewer interface {
	renewAny(ctx context.Context, params any) (any, error)
}

type reader interface {
	readAny(params any) (any, bool, error)
}

type clearer interface {
	clearAny(ctx context.Context, params any) error
	ClearAll(ctx context.Context)
}

type requester interface {
	requestAny(ctx context.Context, params any) (any, error)
}

type listenable interface {
	AddListener(name EventName, fn Listener) Subscription
	RemoveListener(sub Subscription) bool
}

func kindErr(verb string, h Handle) error {
	if h == nil {
		return &KindError{Verb: verb}
	}
	return &KindError{Verb: verb, Kind: h.Kind()}
}

func as[T any](h Handle, verb string, kinds ...Kind) (T, error) {
	var zero T
	if !IsKindOf(h, kinds...) {
		return zero, kindErr(verb, h)
	}
	t, ok := h.(T)
	if !ok {
		return zero, kindErr(verb, h)
	}
	return t, nil
}

// Query runs the deduplicated read of a source or composition.
func Query(ctx context.Context, h Handle, params any) (any, error) {
	q, err := as[querier](h, "query", KindSource, KindComposition)
	if err != nil {
		return nil, err
	}
	return q.queryAny(ctx, params)
}

// Renew forces a new invocation on a source, stream or composition.
func Renew(ctx context.Context, h Handle, params any) (any, error) {
	r, err := as[renewer](h, "renew", KindSource, KindStream, KindComposition)
	if err != nil {
		return nil, err
	}
	return r.renewAny(ctx, params)
}

// Read peeks at the committed value of a source, stream or composition.
func Read(h Handle, params any) (any, bool, error) {
	r, err := as[reader](h, "read", KindSource, KindStream, KindComposition)
	if err != nil {
		return nil, false, err
	}
	return r.readAny(params)
}

func Clear(ctx context.Context, h Handle, params any) error {
	c, err := as[clearer](h, "clear", KindSource, KindStream, KindComposition)
	if err != nil {
		return err
	}
	return c.clearAny(ctx, params)
}

func ClearAll(ctx context.Context, h Handle) error {
	c, err := as[clearer](h, "clearAll", KindSource, KindStream, KindComposition)
	if err != nil {
		return err
	}
	c.ClearAll(ctx)
	return nil
}

// Request invokes the wrapped function of any kind without dedup or cache.
func Request(ctx context.Context, h Handle, params any) (any, error) {
	r, err := as[requester](h, "request", KindSource, KindAction, KindStream, KindComposition)
	if err != nil {
		return nil, err
	}
	return r.requestAny(ctx, params)
}

func AddListener(h Handle, name EventName, fn Listener) (Subscription, error) {
	l, err := as[listenable](h, "addListener", KindSource, KindStream, KindComposition)
	if err != nil {
		return Subscription{}, err
	}
	return l.AddListener(name, fn), nil
}

func RemoveListener(h Handle, sub Subscription) (bool, error) {
	l, err := as[listenable](h, "removeListener", KindSource, KindStream, KindComposition)
	if err != nil {
		return false, err
	}
	return l.RemoveListener(sub), nil
}

func paramsAs[P any](verb string, params any) (P, error) {
	if p, ok := params.(P); ok {
		return p, nil
	}
	var zero P
	want := reflect.TypeFor[P]()
	if params == nil {
		switch want.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return zero, nil
		}
	}
	got := "nil"
	if params != nil {
		got = reflect.TypeOf(params).String()
	}
	return zero, &ParamsError{Verb: verb, Want: want.String(), Got: got}
}

func (s *Source[P, V]) queryAny(ctx context.Context, params any) (any, error) {
	p, err := paramsAs[P]("query", params)
	if err != nil {
		return nil, err
	}
	return s.Query(ctx, p)
}

func (s *Source[P, V]) renewAny(ctx context.Context, params any) (any, error) {
	p, err := paramsAs[P]("renew", params)
	if err != nil {
		return nil, err
	}
	return s.Renew(ctx, p)
}

func (s *Source[P, V]) readAny(params any) (any, bool, error) {
	p, err := paramsAs[P]("read", params)
	if err != nil {
		return nil, false, err
	}
	v, ok := s.Read(p)
	return v, ok, nil
}

func (s *Source[P, V]) clearAny(ctx context.Context, params any) error {
	p, err := paramsAs[P]("clear", params)
	if err != nil {
		return err
	}
	s.Clear(ctx, p)
	return nil
}

func (s *Source[P, V]) requestAny(ctx context.Context, params any) (any, error) {
	p, err := paramsAs[P]("request", params)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, p)
}

func (c *Composition[I, S, V]) queryAny(ctx context.Context, params any) (any, error) {
	b, err := paramsAs[Batch[I, S]]("query", params)
	if err != nil {
		return nil, err
	}
	return c.Query(ctx, b.Items, b.Shared)
}

func (c *Composition[I, S, V]) renewAny(ctx context.Context, params any) (any, error) {
	b, err := paramsAs[Batch[I, S]]("renew", params)
	if err != nil {
		return nil, err
	}
	return c.Renew(ctx, b.Items, b.Shared)
}

// readAny reports ok only when every item is committed.
func (c *Composition[I, S, V]) readAny(params any) (any, bool, error) {
	b, err := paramsAs[Batch[I, S]]("read", params)
	if err != nil {
		return nil, false, err
	}
	vs, missing := c.Read(b.Items, b.Shared)
	return vs, len(missing) == 0, nil
}

func (c *Composition[I, S, V]) clearAny(ctx context.Context, params any) error {
	b, err := paramsAs[Batch[I, S]]("clear", params)
	if err != nil {
		return err
	}
	c.Clear(ctx, b.Items, b.Shared)
	return nil
}

func (c *Composition[I, S, V]) requestAny(ctx context.Context, params any) (any, error) {
	b, err := paramsAs[Batch[I, S]]("request", params)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, b.Items, b.Shared)
}

func (s *Stream[P, C]) renewAny(ctx context.Context, params any) (any, error) {
	p, err := paramsAs[P]("renew", params)
	if err != nil {
		return nil, err
	}
	return s.Renew(ctx, p)
}

func (s *Stream[P, C]) readAny(params any) (any, bool, error) {
	p, err := paramsAs[P]("read", params)
	if err != nil {
		return nil, false, err
	}
	chunks, ok := s.Read(p)
	return chunks, ok, nil
}

func (s *Stream[P, C]) clearAny(ctx context.Context, params any) error {
	p, err := paramsAs[P]("clear", params)
	if err != nil {
		return err
	}
	s.Clear(ctx, p)
	return nil
}

func (s *Stream[P, C]) requestAny(ctx context.Context, params any) (any, error) {
	p, err := paramsAs[P]("request", params)
	if err != nil {
		return nil, err
	}
	return s.Request(ctx, p)
}

func (a *Action[P, V]) requestAny(ctx context.Context, params any) (any, error) {
	p, err := paramsAs[P]("request", params)
	if err != nil {
		return nil, err
	}
	return a.Request(ctx, p)
}

var (
	_ Handle     = (*Source[string, int])(nil)
	_ Handle     = (*Action[string, int])(nil)
	_ Handle     = (*Stream[string, int])(nil)
	_ Handle     = (*Composition[string, string, int])(nil)
	_ listenable = (*Source[string, int])(nil)
	_ querier    = (*Composition[string, string, int])(nil)
)
