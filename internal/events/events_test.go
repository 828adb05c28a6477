package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/docreplica/replicator/internal/events"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New(ctx)
	sub := bus.Subscribe()
	defer sub.Close()

	bus.Publish(events.TypeSchemaChange, events.CollectionProgressPayload{Collection: "appointments"})

	select {
	case ev := <-sub.Events:
		if ev.Type != events.TypeSchemaChange {
			t.Errorf("Type = %v, want %v", ev.Type, events.TypeSchemaChange)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New(ctx)
	a := bus.Subscribe()
	b := bus.Subscribe()
	defer a.Close()
	defer b.Close()

	bus.Publish(events.TypeAutoRunTriggered, events.AutoRunTriggeredPayload{IntervalHint: 10 * time.Minute})

	for _, sub := range []*events.Subscription{a, b} {
		select {
		case ev := <-sub.Events:
			if ev.Type != events.TypeAutoRunTriggered {
				t.Errorf("unexpected type %v", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event on a subscriber")
		}
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New(ctx)
	sub := bus.Subscribe()
	sub.Close()

	// allow the dispatch loop to process the unregister before publishing
	time.Sleep(10 * time.Millisecond)
	bus.Publish(events.TypeStats, nil)

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Error("expected closed channel to yield no further events")
		}
	case <-time.After(200 * time.Millisecond):
		t.Error("expected closed subscriber channel to be immediately readable (closed)")
	}
}

func TestDrainBatchCollectsMultipleEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.New(ctx)
	sub := bus.Subscribe()
	defer sub.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(events.TypeCollectionProgress, events.CollectionProgressPayload{WrittenSoFar: i})
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, time.Second)
	defer drainCancel()

	var got []events.Event
	err := events.DrainBatch(drainCtx, sub, 10, -1, 50*time.Millisecond, func(batch []events.Event) error {
		got = append(got, batch...)
		return nil
	})
	if err != nil && err != context.DeadlineExceeded {
		t.Fatalf("DrainBatch: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 batched events, got %d", len(got))
	}
}
