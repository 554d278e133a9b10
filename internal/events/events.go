// Package events is a small synchronous publish/subscribe bus.
package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	PriorityReady = "priorityReady"
	BatchUpdated  = "batchUpdated"
	BulkComplete  = "bulkComplete"

	// All subscribes to every event name.
	All = "*"
)

type Event struct {
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type Listener func(Event)

type subscription struct {
	id   uint64
	name string
	fn   Listener
}

// Bus delivers events synchronously to listeners in registration order.
// A panicking listener is logged and does not affect the others.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	next uint64
	log  *slog.Logger
	now  func() time.Time
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, now: time.Now}
}

// Subscribe registers fn for name (or All) and returns its cancel func.
func (b *Bus) Subscribe(name string, fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.next++
	id := b.next
	b.subs = append(b.subs, subscription{id: id, name: name, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: b.now()}
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.name == name || s.name == All {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", "event", ev.Name, "listener", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}
