package execid

import (
	"context"
	"math/rand"
)

// key is the context key for the execution ID.
type key struct{}

// New generates a random execution ID. One execution spans every tick
// dispatched for a single query resolution.
func New() int64 { return rand.Int63() }

// NewContext returns a copy of parent carrying a fresh execution ID, along
// with the generated ID.
func NewContext(parent context.Context) (context.Context, int64) {
	id := New()
	return context.WithValue(parent, key{}, id), id
}

// WithID returns a copy of parent carrying the given execution ID.
func WithID(parent context.Context, id int64) context.Context {
	return context.WithValue(parent, key{}, id)
}

// FromContext extracts the execution ID from ctx.
// It returns the ID and whether it was present.
func FromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(key{})
	id, ok := v.(int64)
	return id, ok
}
