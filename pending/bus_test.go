package pending

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func waitEvent(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed before event arrived")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestLocalBusDelivers(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "rid-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	payload, _ := json.Marshal(map[string]string{"redirect": "https://rp.example/cb?code=x"})
	if err := bus.Publish(ctx, "rid-1", Event{Name: "loginComplete", Payload: payload}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	event := waitEvent(t, sub)
	if event.Name != "loginComplete" {
		t.Fatalf("event name = %q", event.Name)
	}
}

func TestLocalBusDropsWithoutSubscriber(t *testing.T) {
	bus := NewLocalBus()

	// No subscriber: publish succeeds and the message is gone, no replay.
	if err := bus.Publish(context.Background(), "rid-1", Event{Name: "loginComplete"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	sub, err := bus.Subscribe(context.Background(), "rid-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected replayed event: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusSubscriberIsolation(t *testing.T) {
	bus := NewLocalBus()
	ctx := context.Background()

	subA, _ := bus.Subscribe(ctx, "rid-a")
	defer subA.Close()
	subB, _ := bus.Subscribe(ctx, "rid-b")
	defer subB.Close()

	_ = bus.Publish(ctx, "rid-a", Event{Name: "loginComplete"})

	if event := waitEvent(t, subA); event.Name != "loginComplete" {
		t.Fatalf("subA event = %q", event.Name)
	}
	select {
	case event := <-subB.Events():
		t.Fatalf("subB must not receive rid-a events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBusContextCancelCleansUp(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := bus.Subscribe(ctx, "rid-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not released after context cancel")
	}

	bus.mu.Lock()
	registered := len(bus.subs["rid-1"])
	bus.mu.Unlock()
	if registered != 0 {
		t.Fatalf("subscription still registered after cancel: %d", registered)
	}
}

func TestRedisBusDelivers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	bus := NewRedisBus(rdb, "prb")
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "rid-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "rid-1", Event{Name: "loginComplete"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if event := waitEvent(t, sub); event.Name != "loginComplete" {
		t.Fatalf("event name = %q", event.Name)
	}
}

func TestFailoverBusDegradesToLocal(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	local := NewLocalBus()
	bus := NewFailoverBus(NewRedisBus(rdb, "prb"), local)
	var fallbacks atomic.Uint64
	bus.OnFallback = func() { fallbacks.Add(1) }
	ctx := context.Background()

	// Bus down before subscribe: the local backend takes over silently.
	mr.Close()

	sub, err := bus.Subscribe(ctx, "rid-1")
	if err != nil {
		t.Fatalf("subscribe must not fail when the bus is down: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "rid-1", Event{Name: "loginComplete"}); err != nil {
		t.Fatalf("publish must degrade without error: %v", err)
	}

	if event := waitEvent(t, sub); event.Name != "loginComplete" {
		t.Fatalf("event name = %q", event.Name)
	}
	if got := fallbacks.Load(); got != 1 {
		t.Fatalf("fallback count = %d, want 1", got)
	}
}
