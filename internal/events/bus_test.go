package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventEntryEnqueued, c.add)
	defer unsub()

	bus.Publish(EventEntryEnqueued, map[string]any{"entry_id": "mq_1"})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()[0]
	assert.Equal(t, EventEntryEnqueued, got.Type)
	assert.Equal(t, "mq_1", got.Data["entry_id"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestBus_OnlyMatchingType(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	defer bus.Subscribe(EventReplayHalted, c.add)()

	bus.Publish(EventReplayCompleted, nil)
	bus.Publish(EventReplayHalted, nil)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
	assert.Equal(t, EventReplayHalted, c.snapshot()[0].Type)
}

func TestBus_SubscribeManyKeepsOrder(t *testing.T) {
	bus := NewBus(100)
	defer bus.Close()

	var c collector
	defer bus.SubscribeMany(AllTypes, c.add)()

	bus.Publish(EventReplayStarted, nil)
	bus.Publish(EventEntryDeadLettered, nil)
	bus.Publish(EventReplayCompleted, nil)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	got := c.snapshot()
	assert.Equal(t, []EventType{EventReplayStarted, EventEntryDeadLettered, EventReplayCompleted},
		[]EventType{got[0].Type, got[1].Type, got[2].Type})
}

func TestBus_NonBlocking(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	defer close(block)
	defer bus.Subscribe(EventEntryEnqueued, func(Event) { <-block })()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventEntryEnqueued, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	unsub := bus.Subscribe(EventEntryEnqueued, c.add)
	unsub()
	unsub()

	bus.Publish(EventEntryEnqueued, nil)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestBus_PanicRecovery(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var c collector
	defer bus.Subscribe(EventEntryEnqueued, func(e Event) {
		if e.Data["panic"] == true {
			panic("boom")
		}
		c.add(e)
	})()

	bus.Publish(EventEntryEnqueued, map[string]any{"panic": true})
	bus.Publish(EventEntryEnqueued, map[string]any{"panic": false})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestBus_CloseThenPublish(t *testing.T) {
	bus := NewBus(10)
	unsub := bus.Subscribe(EventEntryEnqueued, func(Event) {})
	bus.Close()
	assert.NotPanics(t, func() {
		bus.Publish(EventEntryEnqueued, nil)
		unsub()
		bus.Close()
	})
}

func BenchmarkBus_Publish(b *testing.B) {
	bus := NewBus(1000)
	defer bus.Close()
	defer bus.Subscribe(EventEntryEnqueued, func(Event) {})()

	data := map[string]any{"entry_id": "mq_1"}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bus.Publish(EventEntryEnqueued, data)
	}
}
