// Package sim drives every engine against an in-memory backend with
// artificial latency and counts how often the backend is reached.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/unkn0wn-root/atomcache"
)

type Config struct {
	Window  time.Duration
	Items   int
	Callers int
	Latency time.Duration
	Logger  atomcache.Logger
	Hooks   atomcache.Hooks
}

// Report counts backend invocations per engine.
type Report struct {
	SourceGets    int64
	SourceRenews  int64
	BulkCalls     int64
	BulkItems     int64
	ActionRuns    int64
	StreamRuns    int64
	StreamReplays int64
}

func (r Report) String() string {
	return fmt.Sprintf("source: gets=%d (after renew %d)\ncomposition: bulk_calls=%d items=%d\naction: runs=%d\nstream: runs=%d replays=%d",
		r.SourceGets, r.SourceRenews, r.BulkCalls, r.BulkItems, r.ActionRuns, r.StreamRuns, r.StreamReplays)
}

type book struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// backend is the fake data store.
type backend struct {
	latency time.Duration
	gets    atomic.Int64
	bulks   atomic.Int64
	items   atomic.Int64
	writes  atomic.Int64
	streams atomic.Int64
}

func (b *backend) sleep(ctx context.Context) error {
	if b.latency <= 0 {
		return nil
	}
	t := time.NewTimer(b.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *backend) book(ctx context.Context, id string) (book, error) {
	b.gets.Add(1)
	if err := b.sleep(ctx); err != nil {
		return book{}, err
	}
	return book{ID: id, Title: "Book " + id}, nil
}

func (b *backend) books(ctx context.Context, ids []string, _ string) ([]book, error) {
	b.bulks.Add(1)
	b.items.Add(int64(len(ids)))
	if err := b.sleep(ctx); err != nil {
		return nil, err
	}
	out := make([]book, len(ids))
	for i, id := range ids {
		out[i] = book{ID: id, Title: "Book " + id}
	}
	return out, nil
}

func (b *backend) save(ctx context.Context, bk book) (string, error) {
	b.writes.Add(1)
	if err := b.sleep(ctx); err != nil {
		return "", err
	}
	return bk.ID, nil
}

func (b *backend) pages(ctx context.Context, id string, d atomcache.Dispatcher[string]) error {
	b.streams.Add(1)
	for i := 0; i < 3; i++ {
		if err := b.sleep(ctx); err != nil {
			return err
		}
		d.Data(id + "#" + strconv.Itoa(i))
	}
	return nil
}

func findBook(rs []book, id string) (book, bool) {
	for _, b := range rs {
		if b.ID == id {
			return b, true
		}
	}
	return book{}, false
}

func (c Config) opts() []atomcache.Option {
	return []atomcache.Option{
		atomcache.WithLogger(c.Logger),
		atomcache.WithHooks(c.Hooks),
		atomcache.WithWindow(c.Window),
	}
}

// Run executes the scenarios in order and returns the counts.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if cfg.Callers <= 0 {
		cfg.Callers = 1
	}
	if cfg.Items <= 0 {
		cfg.Items = 1
	}
	be := &backend{latency: cfg.Latency}
	var rep Report

	src, err := atomcache.NewSource(be.book, cfg.opts()...)
	if err != nil {
		return rep, err
	}
	if err := fanOut(cfg.Callers, func(int) error {
		_, err := src.Query(ctx, "cast")
		return err
	}); err != nil {
		return rep, fmt.Errorf("source: %w", err)
	}
	rep.SourceGets = be.gets.Load()
	if _, err := src.Renew(ctx, "cast"); err != nil {
		return rep, fmt.Errorf("source renew: %w", err)
	}
	rep.SourceRenews = be.gets.Load()

	cmp, err := atomcache.NewComposition(be.books, findBook, cfg.opts()...)
	if err != nil {
		return rep, err
	}
	if err := fanOut(cfg.Callers, func(i int) error {
		_, err := cmp.Query(ctx, slice(cfg.Items, cfg.Callers, i), "en")
		return err
	}); err != nil {
		return rep, fmt.Errorf("composition: %w", err)
	}
	rep.BulkCalls, rep.BulkItems = be.bulks.Load(), be.items.Load()

	act, err := atomcache.NewAction(be.save, cfg.opts()...)
	if err != nil {
		return rep, err
	}
	if err := fanOut(cfg.Callers, func(int) error {
		_, err := act.Take(ctx, book{ID: "cast"})
		return err
	}); err != nil {
		return rep, fmt.Errorf("action: %w", err)
	}
	rep.ActionRuns = be.writes.Load()

	st, err := atomcache.NewStream(be.pages, cfg.opts()...)
	if err != nil {
		return rep, err
	}
	if _, err := st.Renew(ctx, "cast"); err != nil {
		return rep, fmt.Errorf("stream: %w", err)
	}
	var replays atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < cfg.Callers; i++ {
		wg.Add(1)
		st.Subscribe(atomcache.Observer[string]{
			OnEnd: func([]string) {
				replays.Add(1)
				wg.Done()
			},
		})(ctx, "cast")
	}
	wg.Wait()
	rep.StreamRuns, rep.StreamReplays = be.streams.Load(), replays.Load()
	return rep, nil
}

// slice gives caller i its share of ids, overlapping its neighbour by one.
func slice(items, callers, i int) []string {
	per := (items + callers - 1) / callers
	lo := i * per
	hi := min(lo+per+1, items)
	if lo >= items {
		lo = items - 1
	}
	out := make([]string, 0, hi-lo)
	for j := lo; j < hi; j++ {
		out = append(out, "b"+strconv.Itoa(j))
	}
	return out
}

func fanOut(n int, fn func(i int) error) error {
	var wg conc.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Go(func() { errs[i] = fn(i) })
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
