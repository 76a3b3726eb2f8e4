package atomcache

import "context"

// flight is one shared invocation. val and err are written once, before done
// is closed.
type flight[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func newFlight[V any]() *flight[V] {
	return &flight[V]{done: make(chan struct{})}
}

func (f *flight[V]) settle(v V, err error) {
	f.val, f.err = v, err
	close(f.done)
}

func (f *flight[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
