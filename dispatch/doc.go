// Package dispatch routes one tick's placeholder batch to the fetchers that
// own them and merges the results back into an order-aligned outcome
// sequence for the tree walker.
//
// The walker hands a tick's placeholders to CollectPlaceholders exactly
// once per resolution level. The dispatcher partitions the batch by owning
// fetcher identity, runs every partition concurrently, and invokes each
// fetcher's tick algorithm at most once. Placeholders no registered fetcher
// manages go to the fallback resolver as a single batch; with no fallback
// configured they fail individually with a configuration error. An optional
// Selector can divert even managed placeholders to the fallback based on
// the originating field's metadata, arguments, and estimated cost.
//
// Partitions are isolated: a panicking fetcher, a failing fallback, or a
// short result set fails only the outcomes that depended on it.
package dispatch
