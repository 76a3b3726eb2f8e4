package atomcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestEventsListenerFailuresAreIsolated(t *testing.T) {
	var mu sync.Mutex
	var failed []EventName
	ev := newEvents(func(n EventName, _ error) {
		mu.Lock()
		failed = append(failed, n)
		mu.Unlock()
	})

	var ran atomic.Int64
	ev.AddListener(EventChange, func(context.Context, Event) error { panic("bad listener") })
	ev.AddListener(EventChange, func(context.Context, Event) error { return errors.New("bad") })
	ev.AddListener(EventChange, func(context.Context, Event) error {
		ran.Add(1)
		return nil
	})
	ev.AddListener(EventEnd, func(context.Context, Event) error {
		t.Errorf("listener for another event called")
		return nil
	})

	ev.emit(context.Background(), Event{Name: EventChange}).Wait()
	if ran.Load() != 1 {
		t.Fatalf("healthy listener ran %d times", ran.Load())
	}
	if len(failed) != 2 {
		t.Fatalf("failures reported %v", failed)
	}
}

func TestEventsUnsubscribe(t *testing.T) {
	ev := newEvents(nil)
	var n atomic.Int64
	fn := func(context.Context, Event) error {
		n.Add(1)
		return nil
	}
	a := ev.AddListener(EventChange, fn)
	ev.AddListener(EventChange, fn)

	if !a.Unsubscribe() {
		t.Fatalf("Unsubscribe reported not registered")
	}
	if a.Unsubscribe() {
		t.Fatalf("second Unsubscribe should report false")
	}
	ev.emit(context.Background(), Event{Name: EventChange}).Wait()
	if n.Load() != 1 {
		t.Fatalf("listener ran %d times, want 1", n.Load())
	}

	other := newEvents(nil)
	if other.RemoveListener(a) {
		t.Fatalf("foreign subscription removed")
	}
}

func TestEmissionWithoutListeners(t *testing.T) {
	ev := newEvents(nil)
	ev.emit(context.Background(), Event{Name: EventData}).Wait()
	var em *Emission
	em.Wait()
}

func TestEngineReportsListenerFailure(t *testing.T) {
	hooks := &recHooks{}
	src, _ := NewSource(func(context.Context, int) (int, error) { return 1, nil }, WithHooks(hooks))
	src.AddListener(EventBeforeClear, func(context.Context, Event) error { return errors.New("nope") })
	src.Clear(context.Background(), 1)
	if hooks.listenerFailed.Load() != 1 {
		t.Fatalf("ListenerFailed=%d", hooks.listenerFailed.Load())
	}
}
