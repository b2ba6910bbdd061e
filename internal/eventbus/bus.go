package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal between the engine and its observers
// (journal writer, control API stream, log sink). Data is small and
// JSON-serializable.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Event types.
const (
	TypeSchedulerState  = "scheduler.state"
	TypeEventDispatched = "event.dispatched"
	TypeEventRejected   = "event.rejected"
	TypeEventExpired    = "event.expired"
	TypeSettingsApplied = "settings.applied"
	TypeProgressionTick = "progression.tick"
	TypeSessionStarted  = "session.started"
	TypeSessionEnded    = "session.ended"
	TypeLogRecord       = "log.record"
)

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event and the bus counts it as dropped.
type Bus interface {
	Publish(e Event)
	// Subscribe with no types receives everything.
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// Nop discards everything. Used when a component runs without a bus.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}

func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

func (nopBus) Dropped() uint64 { return 0 }

// New returns an in-memory bus with no background goroutines.
func New() Bus {
	return &memBus{subs: map[*subscriber]struct{}{}}
}

type subscriber struct {
	ch    chan Event
	types map[string]bool
}

func (s *subscriber) wants(typ string) bool {
	return len(s.types) == 0 || s.types[typ]
}

type memBus struct {
	// Sends happen under the read lock and close under the write lock, so a
	// send never races a close.
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Type) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[string]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
