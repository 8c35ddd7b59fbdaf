// Package eventbus is an in-process, non-blocking fanout of small events.
//
// Publish never blocks: each subscriber owns a buffered channel and a slow
// subscriber simply misses events.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the monitor and scheduler.
const (
	PostDetected         = "post.detected"
	ArtifactBuilt        = "artifact.built"
	CycleFailed          = "cycle.failed"
	DistributionFinished = "distribution.finished"
	ScheduleFired        = "schedule.fired"
	ScheduleSkipped      = "schedule.skipped"
	RecipientsChanged    = "recipients.changed"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered channel. unsubscribe is idempotent and
// closes the channel; it takes the write lock so it never races a send.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// PublishTo is a nil-safe helper for components whose bus is optional.
func PublishTo(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
