package fetch

import (
	"context"

	"github.com/vektah/gqlparser/v2/ast"
)

// Selection describes the originating query-tree position of a placeholder.
// All fields are optional; a zero Selection produces unlocated failures.
type Selection struct {
	// Field is the query-tree node whose resolver produced the placeholder.
	Field *ast.Field
	// Definition is the static schema definition of that field.
	Definition *ast.FieldDefinition
	// Args are the field's coerced argument values.
	Args map[string]any
	// Cost is a caller-estimated resolution cost, consumed by dispatch
	// selectors. The engine never computes costs itself.
	Cost float64
	// Path is the response-tree position failures are attached to.
	Path ast.Path
}

// LoadOption attaches query-tree metadata to a placeholder at load time.
type LoadOption func(*Selection)

// At sets the response path failures for this placeholder are localized to.
func At(path ast.Path) LoadOption {
	return func(s *Selection) { s.Path = path }
}

// For sets the originating field node and its schema definition.
func For(field *ast.Field, def *ast.FieldDefinition) LoadOption {
	return func(s *Selection) {
		s.Field = field
		s.Definition = def
	}
}

// WithArgs sets the field's coerced arguments.
func WithArgs(args map[string]any) LoadOption {
	return func(s *Selection) { s.Args = args }
}

// WithCost sets the caller-estimated cost.
func WithCost(cost float64) LoadOption {
	return func(s *Selection) { s.Cost = cost }
}

// Placeholder is an opaque stand-in for a value that a batch dispatch will
// produce. Resolvers return placeholders instead of values; the tree walker
// collects every placeholder produced at one resolution level and hands the
// batch to a dispatcher exactly once.
//
// Placeholders created by a Fetcher are resolved by that fetcher. Foreign
// implementations (Owner returning nil or an unregistered owner) are routed
// to the dispatcher's fallback resolver.
type Placeholder interface {
	// Owner identifies the fetcher that can resolve this placeholder,
	// or nil when no fetcher manages it.
	Owner() Owner
	// Selection reports the originating query-tree position.
	Selection() Selection
}

// Owner resolves one tick's worth of its own placeholders.
// *Fetcher is the canonical implementation.
type Owner interface {
	// Name identifies the owner in failures and events.
	Name() string
	// ResolveTick resolves one tick's placeholder batch, returning one
	// outcome per placeholder in input order. It is invoked at most once
	// per tick by a dispatcher, never by resolvers directly.
	ResolveTick(ctx context.Context, batch []Placeholder) []Outcome
}

// kind is the closed set of placeholder shapes a fetcher hands out.
type kind uint8

const (
	kindOne kind = iota
	kindOneOptional
	kindMany
	kindManyOptional
)

func (k kind) String() string {
	switch k {
	case kindOne:
		return "one"
	case kindOneOptional:
		return "one-optional"
	case kindMany:
		return "many"
	case kindManyOptional:
		return "many-optional"
	}
	return "unknown"
}

// token is the tagged-variant placeholder a Fetcher hands out.
type token[K comparable, V any] struct {
	kind kind
	keys []K
	f    *Fetcher[K, V]
	sel  Selection
}

func (t *token[K, V]) Owner() Owner         { return t.f }
func (t *token[K, V]) Selection() Selection { return t.sel }
