// Package fetch implements the batching and caching half of a deferred
// key-resolution engine: fetchers that coalesce per-key demand emitted
// during one resolution level ("tick") into at most one bulk call per
// backend, with optional memoization across ticks.
//
// # Model
//
// A resolver that needs a related entity does not call the backend. It asks
// its Fetcher for a Placeholder (LoadOne, LoadOptional, LoadMany,
// LoadManyOptional) and returns that placeholder into the response tree.
// Registration is non-blocking pure accumulation: the fetcher records the
// requested keys in first-occurrence order and hands back an opaque token.
//
// After a whole level of resolvers has run, the tree walker drains the
// level's placeholders in one batch through a dispatcher (see the dispatch
// package), which invokes each owning fetcher's ResolveTick exactly once.
// ResolveTick deduplicates the tick's keys, subtracts keys the cache already
// answers, calls the BatchSource once with whatever remains, and maps the
// bulk answer back to one Outcome per placeholder.
//
// # Missing keys
//
// A backend simply omits keys it does not have. What that means is decided
// per placeholder shape: required shapes fail with an unresolved-key error
// localized to the originating field, optional shapes yield nil or filter
// the key out while preserving the order of keys that did resolve.
//
// # Caching
//
// With WithCaching, every dispatched key is memoized for the lifetime of
// the fetcher, including negative answers, so a key reaches the backend at
// most once per execution. Prime and PrimeAbsent seed the cache before the
// first tick. Without caching each tick re-requests whatever it needs.
//
// # Guarantees
//
//   - Within one tick a fetcher's BatchSource is invoked at most once, with
//     deduplicated keys in first-occurrence accumulation order.
//   - With caching, a given key appears in at most one BatchSource call per
//     fetcher lifetime.
//   - A BatchSource failure fails only the placeholders waiting on that
//     dispatch; cache-served placeholders in the same tick still resolve,
//     and failed keys stay uncached so a later tick may retry.
//
// Placeholder accumulation is safe from concurrent resolver call sites;
// ResolveTick runs are serialized per fetcher.
package fetch
