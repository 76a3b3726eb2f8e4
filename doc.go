// Package atomcache is an in-process data-access layer built from four
// engines that wrap caller-supplied functions:
//
//   - Source: memoized, deduplicated single-key reads.
//   - Composition: per-item cached reads coalesced into bulk calls.
//   - Stream: chunked producers whose completed output is replayed.
//   - Action: deduplicated one-shot calls with no cache.
//
// Every call is identified by the canonical text of its params (see Key):
// map and struct order does not matter, slice order does, and shared or
// cyclic references serialize stably. One cache entry per identity is an atom.
//
// Values:
//
// By default a committed value is returned by reference and callers must not
// mutate it. Configure WithCodec to have each read decode a fresh copy, and
// WithProvider to keep encoded values in a bounded byte store:
//
//	books, _ := atomcache.NewSource(fetchBook,
//	    atomcache.WithNamespace("books"),
//	    atomcache.WithCodec[Book](codec.JSON[Book]{}),
//	    atomcache.WithProvider(ristrettoProvider),
//	)
//	b, err := books.Query(ctx, "cast")
//
// Contexts:
//
// A caller's context bounds only that caller's wait. Shared work (a fetch other
// callers joined, a bulk call covering several queries) keeps running to
// completion under a detached context. Stream renewal is the one exception: it
// cancels the run it replaces.
package atomcache
