package atomcache

import (
	"context"
	"sync"

	"github.com/unkn0wn-root/atomcache/internal/canon"
)

// Getter fetches the value for params.
type Getter[P, V any] func(ctx context.Context, params P) (V, error)

// Source is a memoized single-key read. Concurrent queries for equal params
// share one getter invocation; the committed value is served until renewed or
// cleared.
type Source[P, V any] struct {
	base
	*events

	get  Getter[P, V]
	vals valueStore[V]

	mu       sync.Mutex
	gen      uint64
	atoms    map[string]*atom[P, V]
	renewing *flight[V]
}

type atom[P, V any] struct {
	params     P
	gen        uint64        // generation of the committed value; 0 = none yet
	pending    *flight[V]    // initial fetch
	committing chan struct{} // closed once a renewal's value is stored
}

func NewSource[P, V any](get Getter[P, V], opts ...Option) (*Source[P, V], error) {
	if get == nil {
		return nil, ErrNilFunc
	}
	cfg := newConfig(KindSource, opts)
	vals, err := newValueStore[V](cfg, "src")
	if err != nil {
		return nil, err
	}
	s := &Source[P, V]{
		base:     newBase(KindSource, cfg),
		get:      get,
		vals:     vals,
		atoms:    make(map[string]*atom[P, V]),
	}
	s.events = s.base.newEvents()
	return s, nil
}

// Query returns the committed value for params, fetching it once if needed.
// Callers arriving while the fetch is pending join it. A failed fetch leaves
// no atom behind, so the next Query retries.
func (s *Source[P, V]) Query(ctx context.Context, params P) (V, error) {
	key := canon.String(params)
	for {
		s.mu.Lock()
		a := s.atoms[key]
		if a == nil {
			f := newFlight[V]()
			a = &atom[P, V]{params: params, pending: f}
			s.atoms[key] = a
			s.mu.Unlock()
			go s.fetch(detach(ctx), key, a, f)
			return s.await(ctx, f)
		}
		if f := a.pending; f != nil {
			s.mu.Unlock()
			s.hooks.Deduplicated(s.kind, canon.Hash(key))
			return s.await(ctx, f)
		}
		gen := a.gen
		s.mu.Unlock()

		if v, ok := s.vals.get(ctx, key, gen); ok {
			return v, nil
		}
		s.mu.Lock()
		if s.atoms[key] != a || a.gen != gen {
			s.mu.Unlock()
			continue
		}
		if ch := a.committing; ch != nil {
			// a renewal is storing its value over the one we looked for
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				var zero V
				return zero, ctx.Err()
			}
			continue
		}
		// evicted from the value store underneath us
		delete(s.atoms, key)
		s.mu.Unlock()
		s.log.Debug("value evicted, refetching", Fields{"key_hash": canon.Hash(key)})
	}
}

func (s *Source[P, V]) fetch(ctx context.Context, key string, a *atom[P, V], f *flight[V]) {
	v, err := s.invoke(ctx, key, a.params)
	var gen uint64
	if err == nil {
		gen = s.nextGen()
		err = s.vals.put(ctx, key, gen, v)
	}

	s.mu.Lock()
	current := s.atoms[key] == a && a.pending == f
	if current {
		a.pending = nil
		if err == nil {
			a.gen = gen
		} else {
			delete(s.atoms, key)
		}
	}
	s.mu.Unlock()

	if err == nil && !current {
		// cleared while in flight
		s.vals.delIf(ctx, key, gen)
	}
	f.settle(v, err)
	if err == nil && current {
		s.events.emit(ctx, Event{Name: EventChange, Params: a.params, Value: s.vals.clone(v)})
	}
}

func (s *Source[P, V]) invoke(ctx context.Context, key string, params P) (V, error) {
	return invoke(ctx, &s.base, "get", key, func(ctx context.Context) (V, error) {
		return s.get(ctx, params)
	})
}

func (s *Source[P, V]) nextGen() uint64 {
	s.mu.Lock()
	s.gen++
	g := s.gen
	s.mu.Unlock()
	return g
}

func (s *Source[P, V]) await(ctx context.Context, f *flight[V]) (V, error) {
	v, err := f.wait(ctx)
	if err != nil {
		return v, err
	}
	return s.vals.clone(v), nil
}

// Renew invokes the getter again even when a value is committed and replaces
// it on success. A failed renewal keeps the previous value. Queries during a
// renewal keep returning the previous value.
//
// One renewal runs per engine at a time: a Renew issued while another is
// pending joins it and returns its result, whatever its own params.
func (s *Source[P, V]) Renew(ctx context.Context, params P) (V, error) {
	key := canon.String(params)
	s.mu.Lock()
	if f := s.renewing; f != nil {
		s.mu.Unlock()
		s.hooks.Deduplicated(s.kind, canon.Hash(key))
		return s.await(ctx, f)
	}
	f := newFlight[V]()
	s.renewing = f
	s.mu.Unlock()

	go s.renew(detach(ctx), key, params, f)
	return s.await(ctx, f)
}

func (s *Source[P, V]) renew(ctx context.Context, key string, params P, f *flight[V]) {
	s.events.emit(ctx, Event{Name: EventBeforeRenew, Params: params}).Wait()

	var a *atom[P, V]
	for {
		s.mu.Lock()
		a = s.atoms[key]
		var pending *flight[V]
		if a != nil {
			pending = a.pending
		}
		s.mu.Unlock()
		if pending == nil {
			break
		}
		<-pending.done
	}

	var (
		v   V
		err error
	)
	if a == nil {
		v, err = s.Query(ctx, params)
	} else {
		v, err = s.invoke(ctx, key, params)
		if err == nil {
			err = s.commit(ctx, key, a, v)
		}
		if err != nil {
			s.log.Warn("renew failed, keeping previous value", Fields{"key_hash": canon.Hash(key), "err": err})
		}
	}

	after := Event{Name: EventAfterRenew, Params: params, Err: err}
	if err == nil {
		after.Value = s.vals.clone(v)
	}
	s.events.emit(ctx, after).Wait()

	s.mu.Lock()
	s.renewing = nil
	s.mu.Unlock()
	f.settle(v, err)
}

// commit stores a renewed value for a. Queries that miss while the value is
// being stored wait on a.committing instead of treating the miss as an
// eviction.
func (s *Source[P, V]) commit(ctx context.Context, key string, a *atom[P, V], v V) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	ch := make(chan struct{})
	a.committing = ch
	s.mu.Unlock()

	err := s.vals.put(ctx, key, gen, v)

	s.mu.Lock()
	current := s.atoms[key] == a
	if current && err == nil {
		a.gen = gen
	}
	if a.committing == ch {
		a.committing = nil
	}
	s.mu.Unlock()
	close(ch)

	switch {
	case err != nil:
	case current:
		s.events.emit(ctx, Event{Name: EventChange, Params: a.params, Value: s.vals.clone(v)})
	default:
		// cleared while storing
		s.vals.delIf(ctx, key, gen)
	}
	return err
}

// Read returns the committed value without fetching.
func (s *Source[P, V]) Read(params P) (V, bool) {
	key := canon.String(params)
	s.mu.Lock()
	a := s.atoms[key]
	var gen uint64
	if a != nil {
		gen = a.gen
	}
	s.mu.Unlock()
	if gen == 0 {
		var zero V
		return zero, false
	}
	return s.vals.get(context.Background(), key, gen)
}

// Clear evicts the atom for params. A fetch still in flight for it completes
// for its waiters but does not commit.
func (s *Source[P, V]) Clear(ctx context.Context, params P) {
	key := canon.String(params)
	s.events.emit(ctx, Event{Name: EventBeforeClear, Params: params}).Wait()
	s.mu.Lock()
	_, ok := s.atoms[key]
	delete(s.atoms, key)
	s.mu.Unlock()
	if ok {
		s.vals.del(ctx, key)
	}
	s.events.emit(ctx, Event{Name: EventAfterClear, Params: params}).Wait()
}

// ClearAll evicts every atom.
func (s *Source[P, V]) ClearAll(ctx context.Context) {
	s.events.emit(ctx, Event{Name: EventBeforeClear}).Wait()
	s.mu.Lock()
	s.atoms = make(map[string]*atom[P, V])
	s.mu.Unlock()
	s.vals.reset(ctx)
	s.events.emit(ctx, Event{Name: EventAfterClear}).Wait()
}

// Request calls the getter directly: no dedup, no cache, no events.
func (s *Source[P, V]) Request(ctx context.Context, params P) (V, error) {
	return s.invoke(ctx, canon.String(params), params)
}

// Len reports the number of atoms, pending ones included.
func (s *Source[P, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.atoms)
}
