package eventbus

import (
	"context"
	"testing"
)

type ping struct{ N int }
type pong struct{ N int }

func TestPublishReachesSubscribersOfSameType(t *testing.T) {
	Use(New())
	defer Use(nil)

	var pings, pongs []int
	unsub := Subscribe(func(ctx context.Context, e ping) { pings = append(pings, e.N) })
	defer unsub()
	defer Subscribe(func(ctx context.Context, e pong) { pongs = append(pongs, e.N) })()

	ctx := context.Background()
	Publish(ctx, ping{1})
	Publish(ctx, ping{2})
	Publish(ctx, pong{3})

	if len(pings) != 2 || pings[0] != 1 || pings[1] != 2 {
		t.Fatalf("ping handler saw %v, want [1 2]", pings)
	}
	if len(pongs) != 1 || pongs[0] != 3 {
		t.Fatalf("pong handler saw %v, want [3]", pongs)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	Use(New())
	defer Use(nil)

	calls := 0
	unsub := Subscribe(func(ctx context.Context, e ping) { calls++ })
	Publish(context.Background(), ping{1})
	unsub()
	Publish(context.Background(), ping{2})

	if calls != 1 {
		t.Fatalf("handler called %d times, want 1", calls)
	}
}

func TestPublishWithoutBusIsNoop(t *testing.T) {
	Use(nil)
	Publish(context.Background(), ping{1}) // should not panic
	if unsub := Subscribe(func(ctx context.Context, e ping) {}); unsub == nil {
		t.Fatal("Subscribe must return a usable unsubscribe even without a bus")
	}
}
