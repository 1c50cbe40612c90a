package eventbus

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
)

// Handler processes events of type T.
type Handler[T any] func(context.Context, T)

type subscription struct {
	id int64
	fn func(context.Context, any)
}

// Bus is a small in-process event dispatcher. Publishing an event type with
// no subscribers is close to free, so instrumented code can publish
// unconditionally.
type Bus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[reflect.Type][]subscription
}

// New creates a new Bus.
func New() *Bus { return &Bus{subs: make(map[reflect.Type][]subscription)} }

func (b *Bus) subscribe(t reflect.Type, fn func(context.Context, any)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ss := b.subs[t]
		for i, s := range ss {
			if s.id == id {
				ss = append(ss[:i], ss[i+1:]...)
				break
			}
		}
		if len(ss) == 0 {
			delete(b.subs, t)
		} else {
			b.subs[t] = ss
		}
	}
}

func (b *Bus) emit(ctx context.Context, e any) {
	t := reflect.TypeOf(e)
	b.mu.RLock()
	ss := append([]subscription(nil), b.subs[t]...)
	b.mu.RUnlock()
	for _, s := range ss {
		s.fn(ctx, e)
	}
}

var global atomic.Pointer[Bus]

// Use installs b as the global bus. Passing nil disables event publishing.
func Use(b *Bus) { global.Store(b) }

// Subscribe registers h with the global bus for events of type T.
// If no bus is installed the returned unsubscribe is a no-op.
func Subscribe[T any](h Handler[T]) (unsubscribe func()) {
	b := global.Load()
	if b == nil {
		return func() {}
	}
	t := reflect.TypeOf((*T)(nil)).Elem()
	return b.subscribe(t, func(ctx context.Context, v any) { h(ctx, v.(T)) })
}

// Publish sends e through the global bus, if one is installed.
func Publish[T any](ctx context.Context, e T) {
	if b := global.Load(); b != nil {
		b.emit(ctx, e)
	}
}
