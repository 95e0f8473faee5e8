// Package eventbus delivers workflow events to subscribers in priority
// order with at-least-once semantics, bridges to NATS for cross-service
// traffic, and hosts the re-evaluation loop that adjusts in-flight
// workflows when the world changes.
package eventbus

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grcflow/grcflow/core"
	"github.com/grcflow/grcflow/telemetry"
)

// dedupeTTL bounds how long a delivered event id is remembered.
const dedupeTTL = 24 * time.Hour

// Handler consumes one event. Returning an error leaves the event
// eligible for redelivery; handlers must tolerate duplicates.
type Handler func(ctx context.Context, event *core.WorkflowEvent) error

// Bus is an in-process priority event bus. Publish is asynchronous;
// a single dispatcher goroutine drains the queue highest-priority first,
// submission order within a priority.
type Bus struct {
	memory core.Memory
	logger core.Logger

	mu       sync.Mutex
	queue    eventQueue
	seq      int64
	handlers map[core.EventType][]Handler
	wildcard []Handler
	notify   chan struct{}
	done     chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// BusOption configures the bus.
type BusOption func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger core.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithMemory sets the store used for event-id deduplication. Defaults to
// an in-process store; pass a Redis-backed memory for cross-restart
// dedupe.
func WithMemory(memory core.Memory) BusOption {
	return func(b *Bus) { b.memory = memory }
}

// NewBus creates a bus and starts its dispatcher.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		memory:   core.NewInMemoryStore(),
		logger:   &core.NoOpLogger{},
		handlers: make(map[core.EventType][]Handler),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler for one event type. Handlers run
// sequentially in registration order on the dispatcher goroutine.
func (b *Bus) Subscribe(eventType core.EventType, handler Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) {
	b.mu.Lock()
	b.wildcard = append(b.wildcard, handler)
	b.mu.Unlock()
}

// Publish enqueues an event and returns immediately. A missing event id
// is filled in; already-seen ids are dropped.
func (b *Bus) Publish(ctx context.Context, event *core.WorkflowEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	seen, err := b.memory.Exists(ctx, dedupeKey(event.EventID))
	if err == nil && seen {
		telemetry.Counter("eventbus.deduplicated.total", "event_type", string(event.EventType))
		b.logger.Debug("Duplicate event dropped", map[string]interface{}{
			"event_id":   event.EventID,
			"event_type": string(event.EventType),
		})
		return nil
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return core.NewError("eventbus.Publish", core.CodeInvalidState, core.ErrInvalidState)
	}
	b.seq++
	heap.Push(&b.queue, &queuedEvent{event: event, seq: b.seq})
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}

	telemetry.Counter("eventbus.published.total",
		"event_type", string(event.EventType),
		"priority", event.Priority.String())
	return nil
}

// Close stops the dispatcher after draining the queue.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()
	close(b.done)
	b.wg.Wait()
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		event := b.pop()
		if event == nil {
			select {
			case <-b.notify:
				continue
			case <-b.done:
				// Drain what remains before exiting.
				for e := b.pop(); e != nil; e = b.pop() {
					b.deliver(e)
				}
				return
			}
		}
		b.deliver(event)
	}
}

func (b *Bus) pop() *core.WorkflowEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queue.Len() == 0 {
		return nil
	}
	return heap.Pop(&b.queue).(*queuedEvent).event
}

// deliver runs all handlers for the event. The dedupe marker is written
// only after every handler succeeded, so a failed delivery can be
// republished; consumers therefore see at-least-once semantics.
func (b *Bus) deliver(event *core.WorkflowEvent) {
	ctx := context.Background()

	b.mu.Lock()
	handlers := append([]Handler{}, b.handlers[event.EventType]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.Unlock()

	start := time.Now()
	failed := false
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			failed = true
			telemetry.RecordError("eventbus.handler", string(event.EventType))
			b.logger.Error("Event handler failed", map[string]interface{}{
				"event_id":   event.EventID,
				"event_type": string(event.EventType),
				"error":      err.Error(),
			})
		}
	}

	if !failed {
		if err := b.memory.Set(ctx, dedupeKey(event.EventID), "1", dedupeTTL); err != nil {
			b.logger.Warn("Failed to record event delivery", map[string]interface{}{
				"event_id": event.EventID,
				"error":    err.Error(),
			})
		}
	}
	telemetry.Histogram("eventbus.delivery.duration_ms",
		float64(time.Since(start).Milliseconds()),
		"event_type", string(event.EventType))
}

func dedupeKey(eventID string) string {
	return "eventbus:delivered:" + eventID
}

// ============================================================
// Priority queue
// ============================================================

type queuedEvent struct {
	event *core.WorkflowEvent
	seq   int64
}

type eventQueue []*queuedEvent

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].event.Priority != q[j].event.Priority {
		return q[i].event.Priority > q[j].event.Priority
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x interface{}) {
	*q = append(*q, x.(*queuedEvent))
}

func (q *eventQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
