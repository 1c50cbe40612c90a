package fetch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

type product struct {
	ID   string
	Name string
}

func productID(p product) string { return p.ID }

// sourceRecorder is a batch source over an in-memory product table that
// records every call's key set.
type sourceRecorder struct {
	mu    sync.Mutex
	data  map[string]product
	calls [][]string
	err   error
}

func newSourceRecorder(ids ...string) *sourceRecorder {
	data := make(map[string]product, len(ids))
	for _, id := range ids {
		data[id] = product{ID: id, Name: "Product " + id}
	}
	return &sourceRecorder{data: data}
}

func (s *sourceRecorder) fetch(ctx context.Context, keys []string) ([]product, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, append([]string(nil), keys...))
	if s.err != nil {
		return nil, s.err
	}
	out := make([]product, 0, len(keys))
	for _, k := range keys {
		if p, ok := s.data[k]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *sourceRecorder) Calls() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *sourceRecorder) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func TestResolveTickDedupsKeys(t *testing.T) {
	src := newSourceRecorder("1", "2")
	f := New("products", src.fetch, productID)

	batch := []Placeholder{
		f.LoadOne("1"),
		f.LoadOne("1"),
		f.LoadOptional("1"),
		f.LoadMany([]string{"1", "2"}),
	}
	out := f.ResolveTick(context.Background(), batch)

	require.Equal(t, [][]string{{"1", "2"}}, src.Calls())
	require.Equal(t, product{ID: "1", Name: "Product 1"}, out[0].Value)
	require.Equal(t, product{ID: "1", Name: "Product 1"}, out[1].Value)
	require.Equal(t, product{ID: "1", Name: "Product 1"}, out[2].Value)
	require.Equal(t, []product{
		{ID: "1", Name: "Product 1"},
		{ID: "2", Name: "Product 2"},
	}, out[3].Value)
}

func TestResolveTickKeepsFirstOccurrenceOrder(t *testing.T) {
	src := newSourceRecorder("1", "3", "8")
	f := New("products", src.fetch, productID)

	batch := []Placeholder{
		f.LoadOne("8"),
		f.LoadOne("1"),
		f.LoadMany([]string{"8", "3"}),
	}
	f.ResolveTick(context.Background(), batch)

	require.Equal(t, [][]string{{"8", "1", "3"}}, src.Calls())
}

func TestResolveTickEmptyBatchSkipsSource(t *testing.T) {
	src := newSourceRecorder()
	f := New("products", src.fetch, productID)

	out := f.ResolveTick(context.Background(), nil)
	require.Empty(t, out)
	require.Empty(t, src.Calls())
}

func TestCachingFetchesKeyAtMostOncePerExecution(t *testing.T) {
	src := newSourceRecorder("1", "2")
	f := New("products", src.fetch, productID, WithCaching())
	ctx := context.Background()

	out := f.ResolveTick(ctx, []Placeholder{f.LoadOne("1")})
	require.NoError(t, out[0].Err)
	require.Equal(t, [][]string{{"1"}}, src.Calls())

	// Second tick: "1" is cached, only "2" hits the backend.
	out = f.ResolveTick(ctx, []Placeholder{f.LoadOne("1"), f.LoadOne("2")})
	require.NoError(t, out[0].Err)
	require.NoError(t, out[1].Err)
	require.Equal(t, [][]string{{"1"}, {"2"}}, src.Calls())

	// Fully cache-served tick issues no call at all.
	out = f.ResolveTick(ctx, []Placeholder{f.LoadOne("1"), f.LoadOne("2")})
	require.Equal(t, product{ID: "1", Name: "Product 1"}, out[0].Value)
	require.Equal(t, [][]string{{"1"}, {"2"}}, src.Calls())
}

func TestNonCachingRefetchesEveryTick(t *testing.T) {
	src := newSourceRecorder("1")
	f := New("products", src.fetch, productID)
	ctx := context.Background()

	f.ResolveTick(ctx, []Placeholder{f.LoadOne("1")})
	f.ResolveTick(ctx, []Placeholder{f.LoadOne("1")})

	require.Equal(t, [][]string{{"1"}, {"1"}}, src.Calls())
}

func TestCachingIssuesSubsetOfNonCachingCalls(t *testing.T) {
	demand := [][]string{{"1", "2"}, {"2", "3"}, {"1", "3"}}
	run := func(f *Fetcher[string, product]) {
		for _, keys := range demand {
			var batch []Placeholder
			for _, k := range keys {
				batch = append(batch, f.LoadOne(k))
			}
			f.ResolveTick(context.Background(), batch)
		}
	}

	plain := newSourceRecorder("1", "2", "3")
	run(New("products", plain.fetch, productID))
	cached := newSourceRecorder("1", "2", "3")
	run(New("products", cached.fetch, productID, WithCaching()))

	count := func(calls [][]string) int {
		n := 0
		for _, c := range calls {
			n += len(c)
		}
		return n
	}
	require.LessOrEqual(t, count(cached.Calls()), count(plain.Calls()))
	require.Equal(t, [][]string{{"1", "2"}, {"3"}}, cached.Calls())
}

func TestMissingRequiredKeyFails(t *testing.T) {
	src := newSourceRecorder("1")
	f := New("products", src.fetch, productID)

	out := f.ResolveTick(context.Background(), []Placeholder{f.LoadOne("404")})

	require.Error(t, out[0].Err)
	require.ErrorIs(t, out[0].Err, ErrUnresolvedKey)
	var gqlErr *gqlerror.Error
	require.ErrorAs(t, out[0].Err, &gqlErr)
	require.Equal(t, "UNRESOLVED_REQUIRED_KEY", gqlErr.Extensions["code"])
	require.Equal(t, "404", gqlErr.Extensions["key"])
}

func TestMissingOptionalKeyResolvesNil(t *testing.T) {
	src := newSourceRecorder("1")
	f := New("products", src.fetch, productID)

	out := f.ResolveTick(context.Background(), []Placeholder{f.LoadOptional("404")})

	require.NoError(t, out[0].Err)
	require.Nil(t, out[0].Value)
}

func TestBulkOptionalFiltersPreservingOrder(t *testing.T) {
	src := newSourceRecorder("a", "c")
	f := New("products", src.fetch, productID)

	out := f.ResolveTick(context.Background(), []Placeholder{
		f.LoadManyOptional([]string{"a", "b", "c"}),
	})

	require.NoError(t, out[0].Err)
	want := []product{
		{ID: "a", Name: "Product a"},
		{ID: "c", Name: "Product c"},
	}
	if diff := cmp.Diff(want, out[0].Value); diff != "" {
		t.Fatalf("unexpected bulk value (-want +got):\n%s", diff)
	}
}

func TestBulkRequiredFailsWholePlaceholder(t *testing.T) {
	src := newSourceRecorder("a", "c")
	f := New("products", src.fetch, productID)

	out := f.ResolveTick(context.Background(), []Placeholder{
		f.LoadMany([]string{"a", "b", "c"}),
	})

	require.ErrorIs(t, out[0].Err, ErrUnresolvedKey)
	require.Contains(t, out[0].Err.Error(), "b")
	require.Nil(t, out[0].Value)
}

func TestPrimeServesFromWarmCache(t *testing.T) {
	src := newSourceRecorder()
	f := New("products", src.fetch, productID, WithCaching())
	f.Prime(product{ID: "1", Name: "Preloaded"})
	f.PrimeAbsent("gone")

	out := f.ResolveTick(context.Background(), []Placeholder{
		f.LoadOne("1"),
		f.LoadOptional("gone"),
	})

	require.Empty(t, src.Calls())
	require.Equal(t, product{ID: "1", Name: "Preloaded"}, out[0].Value)
	require.NoError(t, out[1].Err)
	require.Nil(t, out[1].Value)
}

func TestPrimeRequiresCaching(t *testing.T) {
	f := New("products", newSourceRecorder().fetch, productID)
	require.Panics(t, func() { f.Prime(product{ID: "1"}) })
	require.Panics(t, func() { f.PrimeAbsent("1") })
}

func TestNegativeEntryNotRerequested(t *testing.T) {
	src := newSourceRecorder()
	f := New("products", src.fetch, productID, WithCaching())
	ctx := context.Background()

	out := f.ResolveTick(ctx, []Placeholder{f.LoadOptional("ghost")})
	require.Nil(t, out[0].Value)

	out = f.ResolveTick(ctx, []Placeholder{f.LoadOptional("ghost")})
	require.Nil(t, out[0].Value)

	require.Equal(t, [][]string{{"ghost"}}, src.Calls())
}

func TestSourceFailureFailsOnlyWaiters(t *testing.T) {
	src := newSourceRecorder("1", "2")
	f := New("products", src.fetch, productID, WithCaching())
	ctx := context.Background()

	// Warm "1" into the cache.
	f.ResolveTick(ctx, []Placeholder{f.LoadOne("1")})

	src.setErr(errors.New("backend down"))
	out := f.ResolveTick(ctx, []Placeholder{f.LoadOne("1"), f.LoadOne("2")})

	require.NoError(t, out[0].Err)
	require.Equal(t, product{ID: "1", Name: "Product 1"}, out[0].Value)
	require.ErrorIs(t, out[1].Err, ErrSourceFailure)

	// The failed key was not cached; a later tick retries it.
	src.setErr(nil)
	out = f.ResolveTick(ctx, []Placeholder{f.LoadOne("2")})
	require.NoError(t, out[0].Err)
	require.Equal(t, [][]string{{"1"}, {"2"}, {"2"}}, src.Calls())
}

func TestForeignPlaceholderRejected(t *testing.T) {
	src := newSourceRecorder("1")
	f := New("products", src.fetch, productID)
	other := New("users", src.fetch, productID)

	out := f.ResolveTick(context.Background(), []Placeholder{
		other.LoadOne("1"),
		f.LoadOne("1"),
	})

	require.ErrorIs(t, out[0].Err, ErrForeignPlaceholder)
	require.NoError(t, out[1].Err)
}

func TestFailureCarriesSelectionLocation(t *testing.T) {
	src := newSourceRecorder()
	f := New("products", src.fetch, productID)

	field := &ast.Field{
		Name:     "product",
		Position: &ast.Position{Line: 3, Column: 5},
	}
	path := ast.Path{ast.PathName("order"), ast.PathIndex(0), ast.PathName("product")}
	out := f.ResolveTick(context.Background(), []Placeholder{
		f.LoadOne("404", At(path), For(field, nil)),
	})

	var gqlErr *gqlerror.Error
	require.ErrorAs(t, out[0].Err, &gqlErr)
	require.Equal(t, path, gqlErr.Path)
	require.Equal(t, []gqlerror.Location{{Line: 3, Column: 5}}, gqlErr.Locations)
}
