// Package events implements the Event Bus (spec §4.8/§6/§9): a publish-
// only, many-subscriber fan-out of typed run events. Publication never
// blocks on a slow subscriber; overflow is dropped rather than buffered
// without bound, per spec §5. A subscriber that wants to consume events in
// batches (instead of waking on every single one) can use DrainBatch, which
// wraps github.com/joeycumines/go-longpoll's Channel helper.
package events

import (
	"context"
	"time"

	"github.com/joeycumines/go-longpoll"
)

// Type names the kind of payload an Event carries, matching spec §6's
// event-type table.
type Type string

const (
	TypeHealth              Type = "health"
	TypeStats               Type = "stats"
	TypeCollectionProgress  Type = "collectionProgress"
	TypeCollectionCompleted Type = "collectionCompleted"
	TypeSchemaChange        Type = "schemaChange"
	TypeAutoRunTriggered    Type = "autoRunTriggered"
	TypeRecoveryProgress    Type = "recoveryProgress"
	TypeCollectionRecovered Type = "collectionRecovered"
	TypeAuthProgress        Type = "authProgress"
	TypeAuthCompleted       Type = "authCompleted"
	TypeIntegrityReport     Type = "integrityReport"
	TypeAuthIntegrityReport Type = "authIntegrityReport"
	TypeStatsReset          Type = "statsReset"
	TypeRunStarted          Type = "started"
	TypeRunCompleted        Type = "completed"
)

// Event is one published occurrence; Payload's concrete type depends on
// Type (see spec §6's event-type table -- e.g. TypeSchemaChange carries a
// schema.Change, TypeHealth carries a HealthPayload).
type Event struct {
	Type      Type
	Payload   any
	Timestamp time.Time
}

// HealthPayload backs TypeHealth.
type HealthPayload struct {
	PrimaryDB   bool
	StandbyDB   bool
	PrimaryAuth bool
	StandbyAuth bool
}

// CollectionProgressPayload backs TypeCollectionProgress/TypeRecoveryProgress.
type CollectionProgressPayload struct {
	Collection   string
	WrittenSoFar int
	OfTotal      int
	Phase        string
}

// CollectionCompletedPayload backs TypeCollectionCompleted/TypeCollectionRecovered.
type CollectionCompletedPayload struct {
	Collection   string
	WrittenCount int
	Incremental  bool
}

// AutoRunTriggeredPayload backs TypeAutoRunTriggered.
type AutoRunTriggeredPayload struct {
	IntervalHint time.Duration
}

// AuthProgressPayload backs TypeAuthProgress.
type AuthProgressPayload struct {
	Phase     string // "export" or "import"
	UserCount int
	OfTotal   int
}

// AuthCompletedPayload backs TypeAuthCompleted.
type AuthCompletedPayload struct {
	TotalUsers             int64
	SyncedUsers            int64
	CustomClaimsPropagated int64
	Errors                 int64
}

// subscriberBufferSize is the per-subscriber channel capacity; publication
// drops the event for a subscriber whose buffer is full rather than block
// the publishing run (spec §5: "broadcast is non-blocking; overflow may
// drop events").
const subscriberBufferSize = 64

type registration struct {
	id int
	ch chan Event
}

// Bus is a publish-only, many-subscriber event fan-out. Its dispatch loop
// owns all mutable state, so Subscribe/Subscription.Close/Publish are safe for
// concurrent use without an external lock.
type Bus struct {
	now func() time.Time
	ctx context.Context

	register   chan registration
	unregister chan int
	publish    chan Event
	nextID     chan int
}

// New constructs a Bus and starts its dispatch loop in a background
// goroutine bound to ctx; the Bus stops dispatching once ctx is canceled.
func New(ctx context.Context) *Bus {
	b := &Bus{
		now:        time.Now,
		ctx:        ctx,
		register:   make(chan registration),
		unregister: make(chan int),
		publish:    make(chan Event, subscriberBufferSize),
		nextID:     make(chan int),
	}
	go b.run(ctx)
	return b
}

func (b *Bus) run(ctx context.Context) {
	subscribers := map[int]chan Event{}
	id := 0
	for {
		select {
		case <-ctx.Done():
			for _, ch := range subscribers {
				close(ch)
			}
			return

		case b.nextID <- id:
			id++

		case reg := <-b.register:
			subscribers[reg.id] = reg.ch

		case i := <-b.unregister:
			if ch, ok := subscribers[i]; ok {
				delete(subscribers, i)
				close(ch)
			}

		case ev := <-b.publish:
			for _, ch := range subscribers {
				select {
				case ch <- ev:
				default:
					// subscriber's buffer is full; drop the event for it
					// rather than stall the publishing run.
				}
			}
		}
	}
}

// Subscription is a handle returned by Subscribe; read Events and call
// Close when done.
type Subscription struct {
	id     int
	Events <-chan Event
	bus    *Bus
}

// Close deregisters the subscription, closing its channel. It blocks until
// the dispatch loop processes the unregistration, unless the Bus's context
// is canceled first (at which point the loop has already closed every
// subscriber channel on its way out).
func (s *Subscription) Close() {
	select {
	case s.bus.unregister <- s.id:
	case <-s.bus.ctx.Done():
	}
}

// Subscribe registers a new subscriber. The returned Subscription's Events
// channel closes when either Close is called or the Bus's context is
// canceled.
func (b *Bus) Subscribe() *Subscription {
	id := <-b.nextID
	ch := make(chan Event, subscriberBufferSize)
	b.register <- registration{id: id, ch: ch}
	return &Subscription{id: id, Events: ch, bus: b}
}

// Publish enqueues an event for dispatch. It never blocks the caller
// beyond the bus's own bounded internal buffer; if that is also full,
// Publish drops the event rather than stall the publishing run.
func (b *Bus) Publish(typ Type, payload any) {
	ev := Event{Type: typ, Payload: payload, Timestamp: b.now()}
	select {
	case b.publish <- ev:
	default:
	}
}

// DrainBatch blocks until at least minSize events have arrived (or
// partialTimeout elapses with at least one), then hands every event
// received so far to handler in one call -- letting a slow subscriber
// catch up on a burst of events with one wakeup instead of one per event.
// It wraps github.com/joeycumines/go-longpoll's Channel helper.
func DrainBatch(ctx context.Context, sub *Subscription, maxSize, minSize int, partialTimeout time.Duration, handler func(batch []Event) error) error {
	var batch []Event
	err := longpoll.Channel(ctx, &longpoll.ChannelConfig{
		MaxSize:        maxSize,
		MinSize:        minSize,
		PartialTimeout: partialTimeout,
	}, sub.Events, func(ev Event) error {
		batch = append(batch, ev)
		return nil
	})
	if len(batch) > 0 {
		if herr := handler(batch); herr != nil {
			return herr
		}
	}
	return err
}
