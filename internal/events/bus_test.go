package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishCallsMatchingSubscriber(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		if e.Type != BuildChanged {
			t.Errorf("expected BuildChanged, got %s", e.Type)
		}
		called.Store(true)
	}, BuildChanged)

	bus.Publish(Event{Type: BuildChanged, PluginSlug: "rockets"})

	if !called.Load() {
		t.Error("subscriber was not called")
	}
}

func TestSubscriberIgnoresUnmatchedTypes(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		called.Store(true)
	}, BuildChanged)

	bus.Publish(Event{Type: BuildLogUpdated})

	if called.Load() {
		t.Error("subscriber should not have been called for BuildLogUpdated")
	}
}

func TestWildcardSubscriberReceivesAll(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32

	bus.Subscribe(func(e Event) {
		count.Add(1)
	})

	bus.Publish(Event{Type: BuildChanged})
	bus.Publish(Event{Type: BuildLogUpdated})
	bus.Publish(Event{Type: PluginCreated})

	if count.Load() != 3 {
		t.Errorf("expected 3 calls, got %d", count.Load())
	}
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	bus := NewBus()
	var called atomic.Bool

	bus.Subscribe(func(e Event) {
		panic("boom")
	}, BuildChanged)
	bus.Subscribe(func(e Event) {
		called.Store(true)
	}, BuildChanged)

	bus.Publish(Event{Type: BuildChanged})

	if !called.Load() {
		t.Error("second subscriber was not called after first panicked")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	var count atomic.Int32

	unsubscribe := bus.Subscribe(func(e Event) {
		count.Add(1)
	}, BuildChanged)

	bus.Publish(Event{Type: BuildChanged})
	unsubscribe()
	bus.Publish(Event{Type: BuildChanged})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
}

func TestAsyncSubscriberPreservesOrder(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []int64
	done := make(chan struct{})

	const n = 100
	bus.SubscribeAsync(func(e Event) {
		mu.Lock()
		got = append(got, e.BuildID)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	}, BuildChanged)

	for i := int64(1); i <= n; i++ {
		bus.Publish(Event{Type: BuildChanged, BuildID: i})
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for async delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, id := range got {
		if id != int64(i+1) {
			t.Fatalf("event %d out of order: got build id %d", i, id)
		}
	}
}

func TestAsyncSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})

	bus.SubscribeAsync(func(e Event) {
		<-release
	}, BuildChanged)

	start := time.Now()
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: BuildChanged})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publishing blocked for %v", elapsed)
	}
	close(release)
}

func TestWaitNextReturnsMatchingEvent(t *testing.T) {
	bus := NewBus()

	go func() {
		bus.Publish(Event{Type: BuildChanged, PluginSlug: "other", BuildID: 1})
		bus.Publish(Event{Type: BuildChanged, PluginSlug: "wanted", BuildID: 2})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e, err := bus.WaitNext(ctx, BuildChanged, func(e Event) bool {
		return e.PluginSlug == "wanted"
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.BuildID != 2 {
		t.Errorf("got build id %d, want 2", e.BuildID)
	}
}

func TestWaitNextHonorsCancellation(t *testing.T) {
	bus := NewBus()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := bus.WaitNext(ctx, BuildChanged, nil)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()
	var got time.Time

	bus.Subscribe(func(e Event) {
		got = e.Timestamp
	})

	bus.Publish(Event{Type: BuildChanged})

	if got.IsZero() {
		t.Error("timestamp was not set")
	}
}
