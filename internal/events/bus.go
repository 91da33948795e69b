package events

import (
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	ProcessingStart Type = "processing_start"
	Completed       Type = "completed"
	Failed          Type = "failed"
	DeadLettered    Type = "dead_lettered"
	RecordRecovered Type = "record_recovered"
)

// Event is one lifecycle transition, fanned out to observers. Events are
// ephemeral; persistence is an observer's concern.
type Event struct {
	RecordID   int64     `json:"record_id"`
	WorkflowID int64     `json:"workflow_id"`
	Type       Type      `json:"event_type"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"timestamp"`
}

// Bus is an in-process publish/subscribe fan-out. Emit never blocks: a
// subscriber whose buffer is full loses the event rather than stalling a
// record transition.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	dropped atomic.Int64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers an observer with the given buffer size and returns
// its channel plus a cancel func. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Emit delivers to all current subscribers, dropping under backpressure.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events discarded due to full buffers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }
