package queue

import (
	"log/slog"
	"sync"
	"time"
)

// EventType names a job lifecycle event
type EventType string

const (
	EventQueued     EventType = "queued"
	EventStarted    EventType = "started"
	EventSuccess    EventType = "success"
	EventFailed     EventType = "failed"
	EventCancelled  EventType = "cancelled"
	EventCancelling EventType = "cancelling"
	EventProgress   EventType = "progress"
)

// Event carries the job snapshot taken when the event happened
type Event struct {
	Type EventType `json:"type"`
	Job  JobInfo   `json:"job"`
	Time time.Time `json:"time"`
}

// DefaultSubscriberBuffer is the channel capacity used by Subscribe
const DefaultSubscriberBuffer = 64

// eventBus delivers events in publish order from a single goroutine.
// Publishing never blocks; a subscriber whose buffer is full misses the event.
type eventBus struct {
	logger *slog.Logger

	mu       sync.Mutex
	queue    []Event
	subs     map[int]chan Event
	nextID   int
	handlers []func(Event)
	closed   bool

	wake chan struct{}
	done chan struct{}
}

func newEventBus(logger *slog.Logger) *eventBus {
	b := &eventBus{
		logger: logger,
		subs:   make(map[int]chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *eventBus) publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *eventBus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
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
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *eventBus) onEvent(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, fn)
}

func (b *eventBus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		batch := b.queue
		b.queue = nil
		closed := b.closed
		handlers := b.handlers
		b.mu.Unlock()

		for _, ev := range batch {
			b.deliver(ev, handlers)
		}

		if len(batch) == 0 {
			if closed {
				b.mu.Lock()
				for id, ch := range b.subs {
					delete(b.subs, id)
					close(ch)
				}
				b.mu.Unlock()
				return
			}
			<-b.wake
		}
	}
}

func (b *eventBus) deliver(ev Event, handlers []func(Event)) {
	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("Dropping event for slow subscriber", "type", ev.Type, "job", ev.Job.ID)
		}
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		b.callHandler(fn, ev)
	}
}

// callHandler keeps a panicking observer from taking down the dispatcher
func (b *eventBus) callHandler(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panic recovered", "type", ev.Type, "panic", r)
		}
	}()
	fn(ev)
}

// close flushes queued events, closes every subscriber channel and stops the dispatcher
func (b *eventBus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}
