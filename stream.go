package atomcache

import (
	"context"
	"slices"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/unkn0wn-root/atomcache/internal/canon"
)

// Producer runs one stream. It pushes chunks through d and returns nil when
// the stream ended or an error when it failed. ctx is cancelled when the run
// is replaced by Renew.
type Producer[P, C any] func(ctx context.Context, params P, d Dispatcher[C]) error

// Dispatcher is the producer's side of a run.
type Dispatcher[C any] interface {
	// Data appends chunk to the run and forwards it to observers.
	Data(chunk C)
	// OnStop registers fn to run when the run is replaced by Renew.
	OnStop(fn func())
}

// Observer receives a run's output. Callbacks for one observer are called in
// order from a single goroutine at a time. Nil callbacks are skipped.
type Observer[C any] struct {
	OnData  func(chunk C)
	OnEnd   func(chunks []C)
	OnError func(err error)
}

// EmitFunc starts, joins or replays the stream for params.
type EmitFunc[P any] func(ctx context.Context, params P)

// Stream caches the completed output of a producer per params. Emitting a
// completed key replays its chunks without running the producer again.
type Stream[P, C any] struct {
	base
	*events

	produce Producer[P, C]

	mu    sync.Mutex
	atoms map[string]*streamAtom[P, C]
}

type streamAtom[P, C any] struct {
	params    P
	chunks    []C // committed output
	committed bool
	run       *run[C]
	observers []*sink[C]
}

type run[C any] struct {
	cancel     context.CancelFunc
	stops      []func()
	chunks     []C
	superseded bool
	finished   bool

	done   chan struct{}
	result []C
	err    error
}

func NewStream[P, C any](produce Producer[P, C], opts ...Option) (*Stream[P, C], error) {
	if produce == nil {
		return nil, ErrNilFunc
	}
	cfg := newConfig(KindStream, opts)
	s := &Stream[P, C]{
		base:    newBase(KindStream, cfg),
		produce: produce,
		atoms:   make(map[string]*streamAtom[P, C]),
	}
	s.events = s.base.newEvents()
	return s, nil
}

// Subscribe binds obs and returns the function that emits params to it.
//
// On a completed key obs gets the committed chunks then OnEnd, asynchronously.
// On a key whose run is live obs gets the chunks so far then the rest live.
// Otherwise a new run starts.
func (s *Stream[P, C]) Subscribe(obs Observer[C]) EmitFunc[P] {
	return func(ctx context.Context, params P) {
		s.emitTo(ctx, params, s.newSink(obs))
	}
}

func (s *Stream[P, C]) emitTo(ctx context.Context, params P, sk *sink[C]) {
	key := canon.String(params)
	s.mu.Lock()
	a := s.atoms[key]
	switch {
	case a != nil && a.run != nil:
		r := a.run
		for _, c := range r.chunks {
			sk.data(c)
		}
		a.observers = append(a.observers, sk)
		s.mu.Unlock()
		s.hooks.Deduplicated(s.kind, canon.Hash(key))

	case a != nil && a.committed:
		chunks := slices.Clone(a.chunks)
		s.mu.Unlock()
		go s.replay(detach(ctx), params, sk, chunks)

	default:
		a = &streamAtom[P, C]{params: params, observers: []*sink[C]{sk}}
		s.atoms[key] = a
		s.start(ctx, key, a)
		s.mu.Unlock()
	}
}

func (s *Stream[P, C]) replay(ctx context.Context, params P, sk *sink[C], chunks []C) {
	for _, c := range chunks {
		sk.data(c)
		s.events.emit(ctx, Event{Name: EventData, Params: params, Value: c})
	}
	sk.end(slices.Clone(chunks))
	s.events.emit(ctx, Event{Name: EventEnd, Params: params, Value: chunks})
}

// start launches a run for a. Caller holds s.mu.
func (s *Stream[P, C]) start(ctx context.Context, key string, a *streamAtom[P, C]) *run[C] {
	rctx, cancel := context.WithCancel(detach(ctx))
	r := &run[C]{cancel: cancel, done: make(chan struct{})}
	a.run = r
	go s.execute(rctx, key, a, r)
	return r
}

func (s *Stream[P, C]) execute(ctx context.Context, key string, a *streamAtom[P, C], r *run[C]) {
	defer r.cancel()
	d := &dispatcher[P, C]{s: s, ctx: ctx, a: a, r: r}
	_, err := invoke(ctx, &s.base, "produce", key, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.produce(ctx, a.params, d)
	})

	s.mu.Lock()
	r.finished = true
	chunks := slices.Clone(r.chunks)
	if r.superseded {
		s.mu.Unlock()
		r.result, r.err = chunks, err
		close(r.done)
		return
	}
	a.run = nil
	current := s.atoms[key] == a
	if err == nil && current {
		a.chunks, a.committed = chunks, true
	}
	if err != nil && current && !a.committed {
		// failed first run: the next emit starts over
		delete(s.atoms, key)
	}
	// observers are done with the atom once they hear how the run ended
	observers := a.observers
	a.observers = nil
	s.mu.Unlock()

	if err == nil {
		for _, sk := range observers {
			sk.end(slices.Clone(chunks))
		}
		s.events.emit(ctx, Event{Name: EventEnd, Params: a.params, Value: chunks})
	} else {
		for _, sk := range observers {
			sk.fail(err)
		}
		s.events.emit(ctx, Event{Name: EventError, Params: a.params, Err: err})
	}
	r.result, r.err = chunks, err
	close(r.done)
}

type dispatcher[P, C any] struct {
	s   *Stream[P, C]
	ctx context.Context
	a   *streamAtom[P, C]
	r   *run[C]
}

func (d *dispatcher[P, C]) Data(chunk C) {
	s := d.s
	s.mu.Lock()
	if d.r.superseded || d.r.finished {
		s.mu.Unlock()
		return
	}
	d.r.chunks = append(d.r.chunks, chunk)
	observers := slices.Clone(d.a.observers)
	s.mu.Unlock()

	for _, sk := range observers {
		sk.data(chunk)
	}
	s.events.emit(d.ctx, Event{Name: EventData, Params: d.a.params, Value: chunk})
}

func (d *dispatcher[P, C]) OnStop(fn func()) {
	if fn == nil {
		return
	}
	d.s.mu.Lock()
	if d.r.superseded {
		d.s.mu.Unlock()
		d.s.runStops([]func(){fn})
		return
	}
	d.r.stops = append(d.r.stops, fn)
	d.s.mu.Unlock()
}

func (s *Stream[P, C]) runStops(stops []func()) {
	for _, fn := range stops {
		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			s.log.Warn("stop hook panicked", Fields{"err": r.AsError()})
		}
	}
}

// Renew replaces the run for params: the live run, if any, has its stop
// hooks called and its context cancelled, and a new run starts with the live
// run's observers. Observers of runs that already ended are not called. Previously committed chunks stay readable until the new
// run commits. Renew blocks until the new run ends.
func (s *Stream[P, C]) Renew(ctx context.Context, params P) ([]C, error) {
	key := canon.String(params)
	s.events.emit(ctx, Event{Name: EventBeforeRenew, Params: params}).Wait()

	s.mu.Lock()
	a := s.atoms[key]
	if a == nil {
		a = &streamAtom[P, C]{params: params}
		s.atoms[key] = a
	}
	var stops []func()
	old := a.run
	if old != nil {
		old.superseded = true
		stops, old.stops = old.stops, nil
	}
	r := s.start(ctx, key, a)
	s.mu.Unlock()

	if old != nil {
		s.runStops(stops)
		old.cancel()
	}

	var (
		out []C
		err error
	)
	select {
	case <-r.done:
		out, err = slices.Clone(r.result), r.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.events.emit(ctx, Event{Name: EventAfterRenew, Params: params, Value: out, Err: err}).Wait()
	return out, err
}

// Read returns the committed chunks for params.
func (s *Stream[P, C]) Read(params P) ([]C, bool) {
	key := canon.String(params)
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.atoms[key]
	if a == nil || !a.committed {
		return nil, false
	}
	return slices.Clone(a.chunks), true
}

// Clear evicts params. A live run keeps going for its observers but does not
// commit.
func (s *Stream[P, C]) Clear(ctx context.Context, params P) {
	key := canon.String(params)
	s.events.emit(ctx, Event{Name: EventBeforeClear, Params: params}).Wait()
	s.mu.Lock()
	delete(s.atoms, key)
	s.mu.Unlock()
	s.events.emit(ctx, Event{Name: EventAfterClear, Params: params}).Wait()
}

func (s *Stream[P, C]) ClearAll(ctx context.Context) {
	s.events.emit(ctx, Event{Name: EventBeforeClear}).Wait()
	s.mu.Lock()
	s.atoms = make(map[string]*streamAtom[P, C])
	s.mu.Unlock()
	s.events.emit(ctx, Event{Name: EventAfterClear}).Wait()
}

// Request runs the producer without caching and returns all its chunks.
func (s *Stream[P, C]) Request(ctx context.Context, params P) ([]C, error) {
	col := &collector[C]{}
	_, err := invoke(ctx, &s.base, "request", canon.String(params), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.produce(ctx, params, col)
	})
	col.mu.Lock()
	defer col.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return slices.Clone(col.chunks), nil
}

type collector[C any] struct {
	mu     sync.Mutex
	chunks []C
}

func (c *collector[C]) Data(chunk C) {
	c.mu.Lock()
	c.chunks = append(c.chunks, chunk)
	c.mu.Unlock()
}

func (c *collector[C]) OnStop(func()) {}

// sink delivers one observer's callbacks in order on a goroutine of its own,
// so producers never block on observers.
type sink[C any] struct {
	obs Observer[C]
	log Logger

	mu      sync.Mutex
	q       []func()
	running bool
}

func (s *Stream[P, C]) newSink(obs Observer[C]) *sink[C] {
	return &sink[C]{obs: obs, log: s.log}
}

func (k *sink[C]) data(c C) {
	if k.obs.OnData != nil {
		k.push(func() { k.obs.OnData(c) })
	}
}

func (k *sink[C]) end(chunks []C) {
	if k.obs.OnEnd != nil {
		k.push(func() { k.obs.OnEnd(chunks) })
	}
}

func (k *sink[C]) fail(err error) {
	if k.obs.OnError != nil {
		k.push(func() { k.obs.OnError(err) })
	}
}

func (k *sink[C]) push(fn func()) {
	k.mu.Lock()
	k.q = append(k.q, fn)
	if k.running {
		k.mu.Unlock()
		return
	}
	k.running = true
	k.mu.Unlock()
	go k.drain()
}

func (k *sink[C]) drain() {
	for {
		k.mu.Lock()
		if len(k.q) == 0 {
			k.running = false
			k.mu.Unlock()
			return
		}
		fn := k.q[0]
		k.q = k.q[1:]
		k.mu.Unlock()

		var pc panics.Catcher
		pc.Try(fn)
		if r := pc.Recovered(); r != nil {
			k.log.Warn("observer panicked", Fields{"err": r.AsError()})
		}
	}
}
