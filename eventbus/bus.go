package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not call Publish.
type Handler func(Event)

type subscription struct {
	id int
	fn Handler
}

// Bus delivers events to subscribers in publish order. Every event gets a
// sequence number and a timestamp strictly greater than its predecessor's.
type Bus struct {
	logger *slog.Logger
	hooks  hooks

	// publishMu serialises sequencing and dispatch.
	publishMu sync.Mutex
	seq       uint64
	last      time.Time

	subsMu sync.RWMutex
	subs   []subscription
	nextID int
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "eventbus")}
}

// Subscribe registers fn and returns a function that removes it.
func (bus *Bus) Subscribe(fn Handler) func() {
	bus.subsMu.Lock()
	bus.nextID++
	id := bus.nextID
	bus.subs = append(bus.subs, subscription{id: id, fn: fn})
	bus.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.subsMu.Lock()
			defer bus.subsMu.Unlock()
			for i, s := range bus.subs {
				if s.id == id {
					bus.subs = append(bus.subs[:i:i], bus.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish stamps event and delivers it to every subscriber in registration
// order. A panicking subscriber is reported through OnPanic hooks and does
// not stop delivery to the others. The stamped event is returned.
func (bus *Bus) Publish(event Event) Event {
	bus.publishMu.Lock()
	defer bus.publishMu.Unlock()

	bus.seq++
	now := time.Now()
	if !now.After(bus.last) {
		now = bus.last.Add(time.Nanosecond)
	}
	bus.last = now
	event.Seq = bus.seq
	event.Timestamp = now

	bus.subsMu.RLock()
	subs := make([]subscription, len(bus.subs))
	copy(subs, bus.subs)
	bus.subsMu.RUnlock()

	for _, s := range subs {
		bus.deliver(s.fn, event)
	}
	bus.runOnPublish(event)
	return event
}

func (bus *Bus) deliver(fn Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			bus.logger.Error("Event subscriber panicked",
				"event", event.Type,
				"seq", event.Seq,
				"panic", r)
			bus.runOnPanic(event, r)
		}
	}()
	fn(event)
}
