// Package notify is the engine's outbound event bus. Consumers subscribe for
// readiness and update notifications; the engine never blocks on a slow
// consumer.
package notify

import (
	"sync"

	"github.com/mlindgren/lagesbild/internal/logging"
	"github.com/mlindgren/lagesbild/internal/model"
)

// Event is one of the concrete event structs below.
type Event any

// DataReady signals that the store holds an initial data set.
type DataReady struct{}

// DataUpdated signals a completed sync for one entity type.
type DataUpdated struct {
	Entity model.EntityType
	Count  int
}

// SyncCompleted signals a finished background catch-up sync.
type SyncCompleted struct {
	Tag string
}

// Degraded is the advisory notice that the engine is serving cached data.
// Never a fault: reads keep working.
type Degraded struct {
	Reason string
}

// subscriberBuffer is the per-subscriber channel depth. Events beyond it are
// dropped with a warning.
const subscriberBuffer = 16

// Bus fans events out to subscribers. Safe for concurrent use.
type Bus struct {
	mu   sync.Mutex
	subs []chan Event
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving all future events.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to every subscriber without blocking. A full
// subscriber drops the event.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			logging.Warn("notify: dropping event for slow subscriber", "event", e)
		}
	}
}
