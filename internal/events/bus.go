// Package events carries sync and reminder events from the core to the
// audit log and the live status stream.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventEntryEnqueued     EventType = "entry_enqueued"
	EventReplayStarted     EventType = "replay_started"
	EventReplayCompleted   EventType = "replay_completed"
	EventReplayHalted      EventType = "replay_halted"
	EventEntryDeadLettered EventType = "entry_dead_lettered"
	EventEntryRequeued     EventType = "entry_requeued"
	EventRemindersSynced   EventType = "reminders_synced"
	EventNotificationSent  EventType = "notification_sent"
	EventProductsRefreshed EventType = "products_refreshed"
)

// AllTypes lists every event type, for subscribers that want everything.
var AllTypes = []EventType{
	EventEntryEnqueued,
	EventReplayStarted,
	EventReplayCompleted,
	EventReplayHalted,
	EventEntryDeadLettered,
	EventEntryRequeued,
	EventRemindersSynced,
	EventNotificationSent,
	EventProductsRefreshed,
}

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

type Subscriber func(Event)

// Publisher is the side of the bus the core depends on.
type Publisher interface {
	Publish(eventType EventType, data map[string]any)
}

// Bus delivers events asynchronously through one buffered channel per
// subscriber. A full channel drops the event for that subscriber only.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
// fn runs on its own goroutine; a panic in fn is recovered.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	return b.SubscribeMany([]EventType{eventType}, fn)
}

// SubscribeMany registers one delivery goroutine for several event types, so
// fn sees them in publish order.
func (b *Bus) SubscribeMany(types []EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}

	go func() {
		for event := range ch {
			func() {
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			for _, t := range types {
				subs := b.subscribers[t]
				for i, subCh := range subs {
					if subCh == ch {
						b.subscribers[t] = append(subs[:i:i], subs[i+1:]...)
						break
					}
				}
			}
			close(ch)
		})
	}
}

func (b *Bus) Publish(eventType EventType, data map[string]any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes every subscriber channel. Publishing afterwards is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	seen := make(map[chan Event]bool)
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			if !seen[ch] {
				seen[ch] = true
				close(ch)
			}
		}
		delete(b.subscribers, eventType)
	}
}

// Nop discards everything published to it.
type Nop struct{}

func (Nop) Publish(EventType, map[string]any) {}
