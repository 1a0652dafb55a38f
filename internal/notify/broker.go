// Package notify fans committed workflow events out to interested
// listeners. Delivery is best-effort: nothing here feeds back into the
// dossier state, and a slow or failing consumer never stalls a transition.
package notify

import (
	"context"
	"sync"
	"time"

	"dossierflow/internal/domain"
)

// Event is the outbound notification contract.
type Event struct {
	DossierID  string         `json:"dossier_id"`
	Type       string         `json:"event_type"`
	FromStatus domain.Status  `json:"from_status,omitempty"`
	ToStatus   domain.Status  `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         time.Time      `json:"ts"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Broker fan-outs events to all active subscribers (SSE clients, tests).
type Broker struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Broker) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
