package engine

import (
	"log"
	"sync"
	"time"
)

// EventType names a scheduler progress event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventFileStarted    EventType = "file_started"
	EventChunkProcessed EventType = "chunk_processed"
	EventChunkFailed    EventType = "chunk_failed"
	EventFileCompleted  EventType = "file_completed"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
)

// Event is one progress notification published by the scheduler.
type Event struct {
	Type       EventType   `json:"type"`
	RunID      string      `json:"run_id"`
	FilePath   string      `json:"file_path,omitempty"`
	ChunkStart int64       `json:"chunk_start,omitempty"`
	ChunkEnd   int64       `json:"chunk_end,omitempty"`
	Created    int         `json:"created,omitempty"`
	Merged     int         `json:"merged,omitempty"`
	Dropped    int         `json:"dropped,omitempty"`
	Summary    *RunSummary `json:"summary,omitempty"`
	Error      string      `json:"error,omitempty"`
	Time       time.Time   `json:"time"`
}

// EventBus fans events out to subscribers over buffered channels. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewEventBus creates an event bus with no subscribers.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving every event published from now on
// and a function that ends the subscription and closes the channel.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room for it.
func (b *EventBus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			log.Printf("events: WARNING: subscriber %d is full, dropping %s", id, e.Type)
		}
	}
}

// Close ends every subscription. Later publishes are discarded.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
