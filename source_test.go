package atomcache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/unkn0wn-root/atomcache/codec"
	"github.com/unkn0wn-root/atomcache/internal/util"
)

func fetchBook(calls *atomic.Int64) Getter[string, book] {
	return func(_ context.Context, id string) (book, error) {
		n := calls.Add(1)
		return book{ID: id, Title: strings.ToUpper(id), Tags: []string{"v" + string(rune('0'+n))}}, nil
	}
}

// TestSourceBookScenario: query twice, then renew.
func TestSourceBookScenario(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, err := NewSource(fetchBook(&calls))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}

	first, err := src.Query(ctx, "cast")
	if err != nil || calls.Load() != 1 {
		t.Fatalf("first query: err=%v calls=%d", err, calls.Load())
	}
	second, err := src.Query(ctx, "cast")
	if err != nil || calls.Load() != 1 {
		t.Fatalf("second query must hit cache: err=%v calls=%d", err, calls.Load())
	}
	if first.Title != "CAST" || second.Tags[0] != first.Tags[0] {
		t.Fatalf("different values: %+v vs %+v", first, second)
	}

	renewed, err := src.Renew(ctx, "cast")
	if err != nil || calls.Load() != 2 {
		t.Fatalf("renew: err=%v calls=%d", err, calls.Load())
	}
	if renewed.Tags[0] != "v2" {
		t.Fatalf("renew returned %+v", renewed)
	}
	if got, _ := src.Query(ctx, "cast"); got.Tags[0] != "v2" {
		t.Fatalf("query after renew got %+v", got)
	}
}

func TestSourceConcurrentQueriesShareOneCall(t *testing.T) {
	ctx := context.Background()
	hooks := &recHooks{}
	release := make(chan struct{})
	var calls atomic.Int64
	src, _ := NewSource(func(_ context.Context, id string) (int, error) {
		calls.Add(1)
		<-release
		return len(id), nil
	}, WithHooks(hooks))

	const n = 8
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := src.Query(ctx, "cast")
			if err != nil {
				t.Errorf("Query: %v", err)
			}
			results[i] = v
		}()
	}
	waitFor(t, "joiners", func() bool { return hooks.deduplicated.Load() == n-1 })
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("getter calls=%d, want 1", calls.Load())
	}
	for i, v := range results {
		if v != 4 {
			t.Fatalf("result[%d]=%d", i, v)
		}
	}
}

func TestSourceKeyIgnoresMapOrder(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, _ := NewSource(func(_ context.Context, p map[string]any) (int, error) {
		calls.Add(1)
		return len(p), nil
	})
	_, _ = src.Query(ctx, map[string]any{"a": 1, "b": []int{1, 2}})
	_, _ = src.Query(ctx, map[string]any{"b": []int{1, 2}, "a": 1})
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, want 1", calls.Load())
	}
	_, _ = src.Query(ctx, map[string]any{"a": 1, "b": []int{2, 1}})
	if calls.Load() != 2 {
		t.Fatalf("slice order must matter, calls=%d", calls.Load())
	}
}

func TestSourceReadNeverFetches(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls))

	if _, ok := src.Read("sea"); ok {
		t.Fatalf("Read before query must miss")
	}
	if _, err := src.Query(ctx, "sea"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	got, ok := src.Read("sea")
	if !ok || got.ID != "sea" {
		t.Fatalf("Read after query: ok=%v got=%+v", ok, got)
	}
	if calls.Load() != 1 {
		t.Fatalf("Read invoked getter, calls=%d", calls.Load())
	}
}

func TestSourceFailureIsNotCached(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	hooks := &recHooks{}
	var calls atomic.Int64
	src, _ := NewSource(func(_ context.Context, id string) (string, error) {
		if calls.Add(1) == 1 {
			return "", boom
		}
		return id, nil
	}, WithHooks(hooks))

	_, err := src.Query(ctx, "holl")
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindSource || fe.Key != Key("holl") {
		t.Fatalf("want *FetchError, got %#v", err)
	}
	if src.Len() != 0 {
		t.Fatalf("failed atom kept")
	}
	if v, err := src.Query(ctx, "holl"); err != nil || v != "holl" {
		t.Fatalf("retry: v=%q err=%v", v, err)
	}
	if hooks.fetchFailed.Load() != 1 {
		t.Fatalf("FetchFailed=%d", hooks.fetchFailed.Load())
	}
}

func TestSourceGetterPanicBecomesError(t *testing.T) {
	src, _ := NewSource(func(context.Context, int) (int, error) { panic("kaboom") })
	_, err := src.Query(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("want panic error, got %v", err)
	}
}

func TestSourceFailedRenewKeepsValue(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	src, _ := NewSource(func(_ context.Context, id string) (string, error) {
		if fail.Load() {
			return "", errors.New("down")
		}
		return id + "!", nil
	})
	if _, err := src.Query(ctx, "a"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	fail.Store(true)
	if _, err := src.Renew(ctx, "a"); err == nil {
		t.Fatalf("renew should fail")
	}
	if v, ok := src.Read("a"); !ok || v != "a!" {
		t.Fatalf("value lost after failed renew: ok=%v v=%q", ok, v)
	}
}

func TestSourceRenewWithoutAtomQueries(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls))
	if _, err := src.Renew(ctx, "x"); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if _, ok := src.Read("x"); !ok || calls.Load() != 1 {
		t.Fatalf("renew of unknown params must query, calls=%d", calls.Load())
	}
}

func TestSourceQueryDuringRenewServesPrevious(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	var calls atomic.Int64
	src, _ := NewSource(func(_ context.Context, _ string) (int64, error) {
		n := calls.Add(1)
		if n == 2 {
			<-gate
		}
		return n, nil
	})
	if _, err := src.Query(ctx, "k"); err != nil {
		t.Fatalf("Query: %v", err)
	}

	done := make(chan int64, 1)
	go func() {
		v, _ := src.Renew(ctx, "k")
		done <- v
	}()
	waitFor(t, "renew started", func() bool { return calls.Load() == 2 })

	if v, _ := src.Query(ctx, "k"); v != 1 {
		t.Fatalf("query during renew got %d, want previous 1", v)
	}
	close(gate)
	if v := recv(t, done); v != 2 {
		t.Fatalf("renew returned %d", v)
	}
}

func TestSourceClearDuringFetchDoesNotCommit(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	started := make(chan struct{}, 1)
	src, _ := NewSource(func(_ context.Context, id string) (string, error) {
		started <- struct{}{}
		<-gate
		return id, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := src.Query(ctx, "k")
		done <- err
	}()
	recv(t, started)
	src.Clear(ctx, "k")
	close(gate)

	if err := recv(t, done); err != nil {
		t.Fatalf("waiter must still get the value: %v", err)
	}
	if _, ok := src.Read("k"); ok {
		t.Fatalf("cleared atom resurrected")
	}
}

func TestSourceCallerCancelDoesNotCancelFetch(t *testing.T) {
	gate := make(chan struct{})
	var fetchErr atomic.Value
	src, _ := NewSource(func(ctx context.Context, id string) (string, error) {
		<-gate
		if err := ctx.Err(); err != nil {
			fetchErr.Store(err)
		}
		return id, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := src.Query(ctx, "k")
		done <- err
	}()
	waitFor(t, "atom", func() bool { return src.Len() == 1 })
	cancel()
	if err := recv(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	close(gate)

	v, err := src.Query(context.Background(), "k")
	if err != nil || v != "k" {
		t.Fatalf("shared fetch should complete: v=%q err=%v", v, err)
	}
	if fetchErr.Load() != nil {
		t.Fatalf("getter saw cancelled context")
	}
}

func TestSourceClearAll(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls))
	_, _ = src.Query(ctx, "a")
	_, _ = src.Query(ctx, "b")
	src.ClearAll(ctx)
	if src.Len() != 0 {
		t.Fatalf("ClearAll left %d atoms", src.Len())
	}
	_, _ = src.Query(ctx, "a")
	if calls.Load() != 3 {
		t.Fatalf("calls=%d, want 3", calls.Load())
	}
}

func TestSourceRequestBypassesCache(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls))
	_, _ = src.Request(ctx, "a")
	_, _ = src.Request(ctx, "a")
	if calls.Load() != 2 || src.Len() != 0 {
		t.Fatalf("calls=%d len=%d", calls.Load(), src.Len())
	}
}

func TestSourceEvents(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls))

	var mu sync.Mutex
	var seen []EventName
	record := func(_ context.Context, e Event) error {
		mu.Lock()
		seen = append(seen, e.Name)
		mu.Unlock()
		return nil
	}
	changes := make(chan Event, 4)
	src.AddListener(EventChange, func(_ context.Context, e Event) error {
		changes <- e
		return nil
	})
	for _, n := range []EventName{EventBeforeRenew, EventAfterRenew, EventBeforeClear, EventAfterClear} {
		src.AddListener(n, record)
	}

	_, _ = src.Query(ctx, "cast")
	ev := recv(t, changes)
	if ev.Params != "cast" || ev.Value.(book).ID != "cast" {
		t.Fatalf("change event %+v", ev)
	}

	_, _ = src.Renew(ctx, "cast")
	src.Clear(ctx, "cast")

	mu.Lock()
	defer mu.Unlock()
	want := []EventName{EventBeforeRenew, EventAfterRenew, EventBeforeClear, EventAfterClear}
	if len(seen) != len(want) {
		t.Fatalf("events %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events %v, want %v", seen, want)
		}
	}
}

// ==============================
// Codec-backed values
// ==============================

func TestSourceCodecReturnsCopies(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	src, err := NewSource(fetchBook(&calls), WithCodec[book](codec.JSON[book]{}))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	a, _ := src.Query(ctx, "cast")
	a.Tags[0] = "mutated"
	b, _ := src.Query(ctx, "cast")
	if b.Tags[0] == "mutated" {
		t.Fatalf("cache handed out a shared reference")
	}
}

func TestSourceProviderEvictionRefetches(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls),
		WithNamespace("books"),
		WithCodec[book](codec.JSON[book]{}),
		WithProvider(mp))

	_, _ = src.Query(ctx, "cast")
	sk := util.StorageKey("src:books", Key("cast"))
	if _, ok, _ := mp.Get(ctx, sk); !ok {
		t.Fatalf("value not stored under %s (have %v)", sk, mp.keys())
	}
	_ = mp.Del(ctx, sk)

	if _, err := src.Query(ctx, "cast"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("eviction must refetch, calls=%d", calls.Load())
	}
}

func TestSourceCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	mp := newMemProvider()
	hooks := &recHooks{}
	var calls atomic.Int64
	src, _ := NewSource(fetchBook(&calls),
		WithNamespace("books"),
		WithHooks(hooks),
		WithCodec[book](codec.JSON[book]{}),
		WithProvider(mp))

	_, _ = src.Query(ctx, "cast")
	sk := util.StorageKey("src:books", Key("cast"))
	mp.put(sk, []byte("garbage"))

	if v, err := src.Query(ctx, "cast"); err != nil || v.ID != "cast" {
		t.Fatalf("Query after corruption: v=%+v err=%v", v, err)
	}
	if r := hooks.healReasons(); len(r) != 1 || r[0] != "corrupt" {
		t.Fatalf("self-heal reasons %v", r)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestSourceCodecTypeMismatch(t *testing.T) {
	_, err := NewSource(func(context.Context, string) (int, error) { return 0, nil },
		WithCodec[string](codec.String{}))
	var ce *CodecError
	if !errors.As(err, &ce) {
		t.Fatalf("want *CodecError, got %v", err)
	}
	_, err = NewSource(func(context.Context, string) (int, error) { return 0, nil },
		WithProvider(newMemProvider()))
	if !errors.Is(err, ErrProviderNoCodec) {
		t.Fatalf("want ErrProviderNoCodec, got %v", err)
	}
	if _, err := NewSource[string, int](nil); !errors.Is(err, ErrNilFunc) {
		t.Fatalf("want ErrNilFunc, got %v", err)
	}
}

func TestSourceNamespaceDefaultsAreUnique(t *testing.T) {
	a := Must(NewSource(func(context.Context, int) (int, error) { return 0, nil }))
	b := Must(NewSource(func(context.Context, int) (int, error) { return 0, nil }))
	if a.Namespace() == b.Namespace() {
		t.Fatalf("namespaces collide: %s", a.Namespace())
	}
	if !strings.HasPrefix(a.Namespace(), "source-") {
		t.Fatalf("namespace %q", a.Namespace())
	}
}

// lagProvider stores a value, then holds the Set call open until release is
// closed. Only the Set after arm is held.
type lagProvider struct {
	*memProvider
	armed   atomic.Bool
	stored  chan struct{}
	release chan struct{}
}

func newLagProvider() *lagProvider {
	return &lagProvider{memProvider: newMemProvider(), stored: make(chan struct{}), release: make(chan struct{})}
}

func (p *lagProvider) Set(ctx context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	ok, err := p.memProvider.Set(ctx, key, value, cost, ttl)
	if p.armed.CompareAndSwap(true, false) {
		close(p.stored)
		<-p.release
	}
	return ok, err
}

// TestSourceQueryWhileRenewStoresWaits: a query that lands after the renewed
// frame is stored but before the renewal finishes must not read it as an
// eviction and refetch.
func TestSourceQueryWhileRenewStoresWaits(t *testing.T) {
	ctx := context.Background()
	var calls atomic.Int64
	p := newLagProvider()
	src, err := NewSource(func(_ context.Context, id string) (string, error) {
		return id + "-" + strconv.FormatInt(calls.Add(1), 10), nil
	}, WithCodec[string](codec.String{}), WithProvider(p))
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if v, err := src.Query(ctx, "cast"); err != nil || v != "cast-1" {
		t.Fatalf("Query: %q %v", v, err)
	}

	p.armed.Store(true)
	renewed := make(chan string, 1)
	go func() {
		v, _ := src.Renew(ctx, "cast")
		renewed <- v
	}()
	recv(t, p.stored)

	queried := make(chan string, 1)
	go func() {
		v, _ := src.Query(ctx, "cast")
		queried <- v
	}()
	time.Sleep(20 * time.Millisecond)
	close(p.release)

	if v := recv(t, renewed); v != "cast-2" {
		t.Fatalf("Renew returned %q", v)
	}
	if v := recv(t, queried); v != "cast-2" {
		t.Fatalf("query during store got %q, want cast-2", v)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("getter calls=%d, want 2", n)
	}
	if v, ok := src.Read("cast"); !ok || v != "cast-2" {
		t.Fatalf("Read after renew: %q %v", v, ok)
	}
}

// TestSourceRenewIsEngineSingleton: a renewal issued while another one is
// pending joins it, even for different params.
func TestSourceRenewIsEngineSingleton(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	var calls atomic.Int64
	hooks := &recHooks{}
	src, _ := NewSource(func(_ context.Context, id string) (string, error) {
		n := calls.Add(1)
		if n > 2 {
			<-gate
		}
		return id + "-" + strconv.FormatInt(n, 10), nil
	}, WithHooks(hooks))
	for _, id := range []string{"a", "b"} {
		if _, err := src.Query(ctx, id); err != nil {
			t.Fatalf("Query %s: %v", id, err)
		}
	}

	first := make(chan string, 1)
	go func() {
		v, _ := src.Renew(ctx, "a")
		first <- v
	}()
	waitFor(t, "renew a started", func() bool { return calls.Load() == 3 })

	second := make(chan string, 1)
	go func() {
		v, _ := src.Renew(ctx, "b")
		second <- v
	}()
	waitFor(t, "renew b joined", func() bool { return hooks.deduplicated.Load() == 1 })
	close(gate)

	if a, b := recv(t, first), recv(t, second); a != "a-3" || b != "a-3" {
		t.Fatalf("renewals returned %q %q, want both a-3", a, b)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("getter calls=%d, want 3", n)
	}
	if v, _ := src.Read("b"); v != "b-2" {
		t.Fatalf("b must keep its value, got %q", v)
	}

	// once settled, the next renewal runs again
	if v, err := src.Renew(ctx, "b"); err != nil || v != "b-4" {
		t.Fatalf("later Renew: %q %v", v, err)
	}
}
