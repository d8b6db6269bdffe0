// Package eventbus fans light change notifications out to subscribers.
//
// Deliveries are sharded by light ID over a fixed set of workers, each with
// its own bounded queue, so notifications for one light are handled in the
// order they were published whatever the worker count.
package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/daylightd/internal/lights"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeLight carries light state changes from the event stream
	EventTypeLight EventType = "light"
	// EventTypeReachability carries reachability changes from connectivity
	// reports or the reachability poll
	EventTypeReachability EventType = "reachability"
)

// Default configuration
const (
	DefaultWorkerCount = 1
	DefaultQueueSize   = 100
)

// Event is one notification about one light.
type Event struct {
	Type   EventType
	Source string
	Light  lights.Event
}

// Handler is a function that handles events
type Handler func(Event)

type delivery struct {
	event   Event
	handler Handler
}

// Bus routes events to subscribers through per-shard queues.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	closed   bool

	shards  []chan delivery
	wg      sync.WaitGroup
	dropped atomic.Int64

	closeOnce sync.Once
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a bus with workerCount shards of queueSize each.
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		handlers: make(map[EventType][]Handler),
		shards:   make([]chan delivery, workerCount),
	}
	for i := range b.shards {
		b.shards[i] = make(chan delivery, queueSize)
		b.wg.Add(1)
		go b.worker(i, b.shards[i])
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) worker(id int, queue <-chan delivery) {
	defer b.wg.Done()
	for d := range queue {
		b.deliver(id, d)
	}
}

func (b *Bus) deliver(id int, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("event_type", string(d.event.Type)).
				Str("light", d.event.Light.LightID).
				Int("worker", id).
				Msg("Event handler panicked")
		}
	}()
	d.handler(d.event)
}

// shard picks the queue for a light. Events without a light ID go to shard 0.
func (b *Bus) shard(lightID string) chan delivery {
	if len(b.shards) == 1 || lightID == "" {
		return b.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(lightID))
	return b.shards[h.Sum32()%uint32(len(b.shards))]
}

// Subscribe registers a handler for a specific event type
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish queues the event for every handler of its type. It never blocks:
// when the light's shard is full, or the bus is closed, the delivery is dropped.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.dropped.Add(1)
		log.Debug().Str("event_type", string(event.Type)).Msg("Event bus closed, dropping event")
		return
	}

	queue := b.shard(event.Light.LightID)
	for _, handler := range b.handlers[event.Type] {
		select {
		case queue <- delivery{event: event, handler: handler}:
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("event_type", string(event.Type)).
				Str("event", event.Light.String()).
				Msg("Event bus queue full, dropping event")
		}
	}
}

// Close stops accepting events, lets the workers finish what is queued and
// waits for them until ctx is done.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for _, q := range b.shards {
			close(q)
		}
		b.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Int64("dropped", b.dropped.Load()).Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Int("pending", b.Pending()).Msg("Event bus shutdown timed out, some events may be lost")
	}
}

// Pending returns the number of queued deliveries
func (b *Bus) Pending() int {
	n := 0
	for _, q := range b.shards {
		n += len(q)
	}
	return n
}

// Dropped returns the number of deliveries dropped so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
