package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	fetch "github.com/hanpama/graphload/fetch"
	eventbus "github.com/hanpama/graphload/internal/eventbus"
	events "github.com/hanpama/graphload/internal/events"
	execid "github.com/hanpama/graphload/internal/execid"
)

// FallbackResolver resolves placeholders not handled by a registered
// fetcher. It is invoked at most once per tick with the full unmanaged set
// and must return one outcome per placeholder, order-aligned to its input.
// How it batches or dispatches internally is its own business.
type FallbackResolver func(ctx context.Context, batch []fetch.Placeholder) []fetch.Outcome

// Selector decides, from a placeholder's query-tree metadata, whether it
// should be routed to the fallback resolver instead of its owning fetcher.
// It only takes effect when a fallback resolver is configured. A nil
// selector always prefers the owning fetcher.
type Selector func(sel fetch.Selection) bool

// Dispatcher turns one tick's heterogeneous placeholder batch into matched,
// order-aligned outcomes. It partitions the batch by owning fetcher, runs
// each fetcher's tick once, routes everything else through the fallback
// resolver, and merges the results.
//
// A dispatcher may be built from a single fetcher, many fetchers, or many
// fetchers plus one fallback resolver; all three forms share the same
// dispatch contract.
type Dispatcher struct {
	owners   map[fetch.Owner]struct{}
	fallback FallbackResolver
	selector Selector

	execOnce sync.Once
	execID   int64
}

// New creates a Dispatcher routing placeholders to the given owners.
func New(owners ...fetch.Owner) *Dispatcher {
	d := &Dispatcher{owners: make(map[fetch.Owner]struct{}, len(owners))}
	for _, o := range owners {
		if o != nil {
			d.owners[o] = struct{}{}
		}
	}
	return d
}

// WithFallback sets the resolver for unmanaged placeholders and returns d.
func (d *Dispatcher) WithFallback(fb FallbackResolver) *Dispatcher {
	d.fallback = fb
	return d
}

// WithSelector sets the fallback routing predicate and returns d.
func (d *Dispatcher) WithSelector(s Selector) *Dispatcher {
	d.selector = s
	return d
}

// CollectPlaceholders resolves one tick. The returned outcomes are aligned
// to batch: outcome i belongs to placeholder i.
//
// Partitions execute concurrently and independently: a failing fetcher or
// fallback fails only the outcomes depending on it. If ctx is already
// cancelled no partition is dispatched and every outcome carries the
// context error.
func (d *Dispatcher) CollectPlaceholders(ctx context.Context, batch []fetch.Placeholder) []fetch.Outcome {
	out := make([]fetch.Outcome, len(batch))
	if len(batch) == 0 {
		return out
	}
	ctx = d.executionContext(ctx)

	// Cancelled between ticks: in-flight work from earlier ticks may still
	// drain, but nothing new is dispatched.
	if err := ctx.Err(); err != nil {
		for i, p := range batch {
			out[i] = fetch.Outcome{Err: cancelledError(err, p.Selection())}
		}
		return out
	}

	type partition struct {
		owner fetch.Owner
		idxs  []int
	}
	var parts []partition
	partByOwner := map[fetch.Owner]int{}
	var fallbackIdxs []int

	for i, p := range batch {
		owner := p.Owner()
		_, managed := d.owners[owner]
		if managed && d.selector != nil && d.fallback != nil && d.selector(p.Selection()) {
			managed = false
		}
		switch {
		case managed:
			if pi, ok := partByOwner[owner]; ok {
				parts[pi].idxs = append(parts[pi].idxs, i)
			} else {
				partByOwner[owner] = len(parts)
				parts = append(parts, partition{owner: owner, idxs: []int{i}})
			}
		case d.fallback != nil:
			fallbackIdxs = append(fallbackIdxs, i)
		default:
			out[i] = fetch.Outcome{Err: unmanagedError(owner, p.Selection())}
		}
	}

	total := len(parts)
	if len(fallbackIdxs) > 0 {
		total++
	}
	eventbus.Publish(ctx, events.TickStart{Placeholders: len(batch), Partitions: total})
	start := time.Now()

	if total > 1 {
		var wg sync.WaitGroup
		wg.Add(total)
		for _, pt := range parts {
			go func(pt partition) {
				defer wg.Done()
				d.runOwner(ctx, pt.owner, pt.idxs, batch, out)
			}(pt)
		}
		if len(fallbackIdxs) > 0 {
			go func() {
				defer wg.Done()
				d.runFallback(ctx, fallbackIdxs, batch, out)
			}()
		}
		wg.Wait()
	} else if total == 1 {
		if len(parts) == 1 {
			d.runOwner(ctx, parts[0].owner, parts[0].idxs, batch, out)
		} else {
			d.runFallback(ctx, fallbackIdxs, batch, out)
		}
	}

	errs := 0
	for _, o := range out {
		if o.Err != nil {
			errs++
		}
	}
	eventbus.Publish(ctx, events.TickFinish{
		Placeholders: len(batch),
		Partitions:   total,
		Errors:       errs,
		Duration:     time.Since(start),
	})
	return out
}

// runOwner resolves one owner partition and writes outcomes into their
// pre-determined slots, preserving input order.
func (d *Dispatcher) runOwner(ctx context.Context, owner fetch.Owner, idxs []int, batch []fetch.Placeholder, out []fetch.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			for _, i := range idxs {
				out[i] = fetch.Outcome{Err: dispatchFailureError(owner.Name(), fmt.Errorf("panic: %v", r), batch[i].Selection())}
			}
		}
	}()
	sub := make([]fetch.Placeholder, len(idxs))
	for j, i := range idxs {
		sub[j] = batch[i]
	}
	res := owner.ResolveTick(ctx, sub)
	d.merge(owner.Name(), idxs, res, batch, out)
}

// runFallback resolves the unmanaged partition through the fallback
// resolver, invoked exactly once with the full unmanaged set.
func (d *Dispatcher) runFallback(ctx context.Context, idxs []int, batch []fetch.Placeholder, out []fetch.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			for _, i := range idxs {
				out[i] = fetch.Outcome{Err: dispatchFailureError("fallback", fmt.Errorf("panic: %v", r), batch[i].Selection())}
			}
		}
	}()
	sub := make([]fetch.Placeholder, len(idxs))
	for j, i := range idxs {
		sub[j] = batch[i]
	}
	res := d.fallback(ctx, sub)
	d.merge("fallback", idxs, res, batch, out)
}

var errShortResult = errors.New("partition returned fewer outcomes than placeholders")

func (d *Dispatcher) merge(partition string, idxs []int, res []fetch.Outcome, batch []fetch.Placeholder, out []fetch.Outcome) {
	for j, i := range idxs {
		if j < len(res) {
			out[i] = res[j]
		} else {
			out[i] = fetch.Outcome{Err: dispatchFailureError(partition, errShortResult, batch[i].Selection())}
		}
	}
}

// executionContext tags ctx with this dispatcher's execution ID so events
// emitted across the execution's ticks correlate. A caller-provided ID wins.
func (d *Dispatcher) executionContext(ctx context.Context) context.Context {
	if _, ok := execid.FromContext(ctx); ok {
		return ctx
	}
	d.execOnce.Do(func() { d.execID = execid.New() })
	return execid.WithID(ctx, d.execID)
}
