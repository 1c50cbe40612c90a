package fetch

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/hanpama/graphload/internal/eventbus"
	events "github.com/hanpama/graphload/internal/events"
)

// BatchSource is the user-supplied bulk lookup a Fetcher wraps. It receives
// a non-empty, deduplicated key set and returns the subset of entities it
// could find, in any order. Keys absent from the backend are simply missing
// from the result; missing-key policy is applied per placeholder by the
// fetcher, not by the source.
type BatchSource[K comparable, V any] func(ctx context.Context, keys []K) ([]V, error)

// IDFunc extracts an entity's key. It is the explicit has-id capability a
// caller binds at fetcher construction; the engine never infers identity.
type IDFunc[K comparable, V any] func(entity V) K

// Option configures a Fetcher at construction.
type Option func(*config)

type config struct {
	caching bool
}

// WithCaching enables memoization across ticks: for the lifetime of the
// fetcher a given key is sent to the batch source at most once, including
// keys the source turned out not to have.
func WithCaching() Option {
	return func(c *config) { c.caching = true }
}

type entry[V any] struct {
	value V
	found bool
}

// Fetcher owns one batch source and turns per-key demand into at most one
// bulk call per tick. Placeholder registration is pure accumulation and safe
// from concurrent resolver call sites; mutation happens only inside
// ResolveTick, which is serialized per fetcher.
//
// A fetcher's cache lives for one query execution. Reusing a caching fetcher
// across independent executions shares the cache between them; create one
// fetcher per execution unless that is intended.
type Fetcher[K comparable, V any] struct {
	name    string
	source  BatchSource[K, V]
	id      IDFunc[K, V]
	caching bool

	mu         sync.Mutex // guards pending accumulation and cache
	pending    []K        // first-occurrence order
	pendingSet map[K]struct{}
	cache      map[K]entry[V] // nil unless caching

	tickMu sync.Mutex // serializes ResolveTick
}

// New creates a Fetcher around source. The id function supplies the key for
// each entity the source returns. name identifies the fetcher in failures
// and events.
func New[K comparable, V any](name string, source BatchSource[K, V], id IDFunc[K, V], opts ...Option) *Fetcher[K, V] {
	if source == nil {
		panic("fetch: nil batch source")
	}
	if id == nil {
		panic("fetch: nil id func")
	}
	var c config
	for _, o := range opts {
		o(&c)
	}
	f := &Fetcher[K, V]{
		name:       name,
		source:     source,
		id:         id,
		caching:    c.caching,
		pendingSet: make(map[K]struct{}),
	}
	if c.caching {
		f.cache = make(map[K]entry[V])
	}
	return f
}

// Name implements Owner.
func (f *Fetcher[K, V]) Name() string { return f.name }

// Prime seeds the cache with already-known entities, an explicit warm-cache
// handoff. Primed keys never reach the batch source. Requires WithCaching.
func (f *Fetcher[K, V]) Prime(entities ...V) {
	if !f.caching {
		panic("fetch: Prime requires a caching fetcher")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range entities {
		f.cache[f.id(v)] = entry[V]{value: v, found: true}
	}
}

// PrimeAbsent marks keys known to be missing from the backend so they are
// never requested. Requires WithCaching.
func (f *Fetcher[K, V]) PrimeAbsent(keys ...K) {
	if !f.caching {
		panic("fetch: PrimeAbsent requires a caching fetcher")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		f.cache[k] = entry[V]{}
	}
}

// LoadOne registers demand for key and returns a placeholder that resolves
// to the entity, or fails if the backend does not return it.
func (f *Fetcher[K, V]) LoadOne(key K, opts ...LoadOption) Placeholder {
	return f.load(kindOne, []K{key}, opts)
}

// LoadOptional registers demand for key; absence yields a nil value instead
// of a failure.
func (f *Fetcher[K, V]) LoadOptional(key K, opts ...LoadOption) Placeholder {
	return f.load(kindOneOptional, []K{key}, opts)
}

// LoadMany registers demand for an ordered key sequence. The placeholder
// resolves to one entity per key in input order, and fails as a whole if any
// key is missing.
func (f *Fetcher[K, V]) LoadMany(keys []K, opts ...LoadOption) Placeholder {
	return f.load(kindMany, keys, opts)
}

// LoadManyOptional registers demand for an ordered key sequence; missing
// keys are filtered out and the relative order of resolved keys preserved.
func (f *Fetcher[K, V]) LoadManyOptional(keys []K, opts ...LoadOption) Placeholder {
	return f.load(kindManyOptional, keys, opts)
}

// load accumulates demand without touching the batch source. The actual
// dispatch is deferred to the per-tick pass in ResolveTick.
func (f *Fetcher[K, V]) load(k kind, keys []K, opts []LoadOption) Placeholder {
	var sel Selection
	for _, o := range opts {
		o(&sel)
	}
	owned := append([]K(nil), keys...)

	f.mu.Lock()
	for _, key := range owned {
		if _, dup := f.pendingSet[key]; dup {
			continue
		}
		f.pendingSet[key] = struct{}{}
		f.pending = append(f.pending, key)
	}
	f.mu.Unlock()

	return &token[K, V]{kind: k, keys: owned, f: f, sel: sel}
}

// ResolveTick implements Owner. It runs the per-tick batching algorithm:
// claim the tick's deduplicated demand, subtract cache hits, call the batch
// source at most once with the remaining keys, merge the answer into the
// cache, and resolve every placeholder in batch against the merged view.
//
// A source failure propagates to every placeholder that was waiting on the
// dispatched keys; placeholders fully served by the cache still resolve.
// Failed keys are not cached, so a later tick may retry them.
func (f *Fetcher[K, V]) ResolveTick(ctx context.Context, batch []Placeholder) []Outcome {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	out := make([]Outcome, len(batch))

	// Claim this tick's accumulated demand.
	f.mu.Lock()
	keys := f.pending
	f.pending = nil
	f.pendingSet = make(map[K]struct{})
	f.mu.Unlock()

	seen := make(map[K]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}

	// The batch may carry keys that never passed through Load on this
	// fetcher, e.g. placeholders held over from an earlier tick by the
	// walker. Fold them in, keeping first-occurrence order.
	toks := make([]*token[K, V], len(batch))
	for i, p := range batch {
		t, ok := p.(*token[K, V])
		if !ok || t.f != f {
			out[i] = Outcome{Err: foreignPlaceholderError(f.name, p.Selection())}
			continue
		}
		toks[i] = t
		for _, k := range t.keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}

	// Cache hits resolve without a backend call.
	need := keys
	view := make(map[K]entry[V], len(keys))
	if f.caching {
		need = make([]K, 0, len(keys))
		f.mu.Lock()
		for _, k := range keys {
			if e, hit := f.cache[k]; hit {
				view[k] = e
			} else {
				need = append(need, k)
			}
		}
		f.mu.Unlock()
	}

	needSet := make(map[K]struct{}, len(need))
	for _, k := range need {
		needSet[k] = struct{}{}
	}

	var srcErr error
	if len(need) > 0 {
		eventbus.Publish(ctx, events.SourceCallStart{Fetcher: f.name, Keys: len(need)})
		start := time.Now()
		found, err := f.source(ctx, need)
		eventbus.Publish(ctx, events.SourceCallFinish{
			Fetcher:  f.name,
			Keys:     len(need),
			Found:    len(found),
			Err:      err,
			Duration: time.Since(start),
		})
		srcErr = err
		if err == nil {
			fresh := make(map[K]entry[V], len(found))
			for _, v := range found {
				fresh[f.id(v)] = entry[V]{value: v, found: true}
			}
			for _, k := range need {
				e, ok := fresh[k]
				if !ok {
					// Dispatched but absent: an explicit negative entry so a
					// caching fetcher never re-requests the key.
					e = entry[V]{}
				}
				view[k] = e
			}
			if f.caching {
				f.mu.Lock()
				for _, k := range need {
					f.cache[k] = view[k]
				}
				f.mu.Unlock()
			}
		}
	}

	for i, t := range toks {
		if t == nil {
			continue // foreign placeholder, failed above
		}
		out[i] = f.resolveToken(t, view, needSet, srcErr)
	}
	return out
}

func (f *Fetcher[K, V]) resolveToken(t *token[K, V], view map[K]entry[V], needSet map[K]struct{}, srcErr error) Outcome {
	if srcErr != nil {
		for _, k := range t.keys {
			if _, waiting := needSet[k]; waiting {
				return Outcome{Err: sourceFailureError(f.name, srcErr, t.sel)}
			}
		}
	}
	switch t.kind {
	case kindOne:
		k := t.keys[0]
		if e, ok := view[k]; ok && e.found {
			return Outcome{Value: e.value}
		}
		return Outcome{Err: unresolvedKeyError(f.name, k, t.sel)}
	case kindOneOptional:
		if e, ok := view[t.keys[0]]; ok && e.found {
			return Outcome{Value: e.value}
		}
		return Outcome{}
	case kindMany:
		vals := make([]V, 0, len(t.keys))
		for _, k := range t.keys {
			e, ok := view[k]
			if !ok || !e.found {
				return Outcome{Err: unresolvedKeyError(f.name, k, t.sel)}
			}
			vals = append(vals, e.value)
		}
		return Outcome{Value: vals}
	default: // kindManyOptional
		vals := make([]V, 0, len(t.keys))
		for _, k := range t.keys {
			if e, ok := view[k]; ok && e.found {
				vals = append(vals, e.value)
			}
		}
		return Outcome{Value: vals}
	}
}
