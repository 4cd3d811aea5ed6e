package registry

import (
	"log/slog"
	"sync"
	"time"

	"polymarket-trainbot/pkg/types"
)

const subscriberQueueCap = 128

// Bus fans events out to dashboard subscribers. Each subscriber has a
// bounded queue; a slow consumer loses its oldest events rather than
// stalling publishers, and gets one subscriber_lagged marker per burst.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	logger *slog.Logger
}

type subscriber struct {
	ch     chan types.Event
	lagged bool
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// Subscribe registers a consumer and returns its ID and event channel.
func (b *Bus) Subscribe() (uint64, <-chan types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	sub := &subscriber{ch: make(chan types.Event, subscriberQueueCap)}
	b.subs[id] = sub
	return id, sub.ch
}

// Unsubscribe removes a consumer and closes its channel.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Publish delivers an event to every subscriber without blocking. On a
// full queue the oldest event is dropped to make room; the first drop of
// a burst also enqueues a subscriber_lagged marker so the consumer knows
// its view has gaps.
func (b *Bus) Publish(evt types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		if sub.lagged && len(sub.ch) < subscriberQueueCap/2 {
			sub.lagged = false
		}

		select {
		case sub.ch <- evt:
			continue
		default:
		}

		// Full: drop oldest, then retry once.
		select {
		case <-sub.ch:
		default:
		}
		firstDrop := !sub.lagged
		sub.lagged = true
		if firstDrop {
			b.logger.Warn("subscriber lagging, dropping oldest events", "subscriber", id)
			lag := types.Event{
				Type:      types.EvtSubscriberLag,
				Timestamp: time.Now().UTC(),
				Data:      map[string]any{"subscriber": id},
			}
			select {
			case sub.ch <- lag:
				// Lag marker took the freed slot; the triggering event is lost,
				// which is exactly what the marker communicates.
				continue
			default:
			}
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}
