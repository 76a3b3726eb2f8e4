package atomcache

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

type EventName string

const (
	EventChange      EventName = "change"
	EventBeforeRenew EventName = "beforeRenew"
	EventAfterRenew  EventName = "afterRenew"
	EventBeforeClear EventName = "beforeClear"
	EventAfterClear  EventName = "afterClear"
	EventData        EventName = "data"
	EventEnd         EventName = "end"
	EventError       EventName = "error"
)

// Event is delivered to listeners. Params is the engine's params value
// (Batch[I,S] for compositions, nil for ClearAll). Value carries the committed
// value, chunk or chunk slice; Err is set for EventError and failed renewals.
type Event struct {
	Name   EventName
	Params any
	Value  any
	Err    error
}

// Listener handles one event. A returned error or panic is reported through
// Hooks.ListenerFailed and never reaches the operation that emitted it.
type Listener func(ctx context.Context, e Event) error

// Subscription identifies one registered listener.
type Subscription struct {
	ev   *events
	name EventName
	id   uint64
}

// Unsubscribe removes the listener. Reports whether it was registered.
func (s Subscription) Unsubscribe() bool {
	if s.ev == nil {
		return false
	}
	return s.ev.RemoveListener(s)
}

type listener struct {
	id   uint64
	name EventName
	fn   Listener
}

// events is an ordered listener registry with concurrent fan-out.
type events struct {
	mu    sync.Mutex
	seq   uint64
	ls    []listener
	onErr func(EventName, error)
}

func newEvents(onErr func(EventName, error)) *events {
	return &events{onErr: onErr}
}

// AddListener registers fn for events named name. The same function may be
// registered more than once; each registration is delivered separately.
func (e *events) AddListener(name EventName, fn Listener) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	e.ls = append(e.ls, listener{id: e.seq, name: name, fn: fn})
	return Subscription{ev: e, name: name, id: e.seq}
}

func (e *events) RemoveListener(sub Subscription) bool {
	if sub.ev != e {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, l := range e.ls {
		if l.id == sub.id {
			e.ls = append(e.ls[:i:i], e.ls[i+1:]...)
			return true
		}
	}
	return false
}

// Emission joins the listener invocations of one emit.
type Emission struct {
	wg conc.WaitGroup
}

// Wait blocks until every listener has returned.
func (em *Emission) Wait() {
	if em != nil {
		em.wg.Wait()
	}
}

// emit runs every matching listener in its own goroutine. Listeners added or
// removed after the call are not affected by it.
func (e *events) emit(ctx context.Context, ev Event) *Emission {
	e.mu.Lock()
	var match []listener
	for _, l := range e.ls {
		if l.name == ev.Name {
			match = append(match, l)
		}
	}
	e.mu.Unlock()

	em := &Emission{}
	for _, l := range match {
		em.wg.Go(func() {
			var c panics.Catcher
			var err error
			c.Try(func() { err = l.fn(ctx, ev) })
			if r := c.Recovered(); r != nil {
				err = r.AsError()
			}
			if err != nil && e.onErr != nil {
				e.onErr(ev.Name, err)
			}
		})
	}
	return em
}
