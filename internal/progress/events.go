package progress

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType defines the type of progress event
type EventType string

const (
	EventTaskStarted   EventType = "task.started"
	EventTaskProgress  EventType = "task.progress"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskPaused    EventType = "task.paused"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
	EventSegmentDone   EventType = "segment.done"
)

// Event is one observation of a running task. Segment fields are set for
// HLS tasks only.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	TaskID     int64     `json:"task_id"`
	BytesDone  int64     `json:"bytes_done"`
	BytesTotal int64     `json:"bytes_total"`

	Segment       int `json:"segment,omitempty"`
	SegmentsTotal int `json:"segments_total,omitempty"`

	Label string `json:"label,omitempty"`
	Err   string `json:"error,omitempty"`
}

// Reporter receives events. Publish must not block.
type Reporter interface {
	Publish(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Bus fans events out to subscribers. A subscriber that falls behind loses
// events rather than stalling a transfer.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Publish stamps e with an id and time and delivers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
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

// Subscribe returns a channel of events and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}
