// Package bus provides the in-process fan-out path between the state store
// and its real-time observers. Publishing is synchronous and best-effort: a
// subscriber that cannot keep up loses events rather than blocking the
// serial reader.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SubscriberQueueSize is the buffer of each subscriber channel.
const SubscriberQueueSize = 64

type EventType string

type SubscriberID int

// Event is one broadcast unit. Data is the event-specific payload as it will
// be serialized toward dashboard clients.
type Event struct {
	Timestamp time.Time
	Data      any
	Type      EventType
}

func NewEvent(eventType EventType, data any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

type subscriber struct {
	types map[EventType]struct{} // empty means all types
	ch    chan Event
}

func (s *subscriber) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

type busMetrics struct {
	published *prometheus.CounterVec
	dropped   prometheus.Counter
}

// Bus delivers events to subscriber channels in publish order. All methods
// are safe for concurrent use; Publish for a given publisher goroutine
// preserves ordering per subscriber.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]*subscriber
	lastSubID   SubscriberID
	logger      *slog.Logger
	metrics     *busMetrics
}

// New creates a Bus. Either argument may be nil.
func New(promRegistry prometheus.Registerer, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		subscribers: make(map[SubscriberID]*subscriber),
		logger:      logger,
	}
	if promRegistry != nil {
		b.initMetrics(promRegistry)
	}
	return b
}

func (b *Bus) initMetrics(registry prometheus.Registerer) {
	b.metrics = &busMetrics{
		published: promauto.With(registry).NewCounterVec(
			prometheus.CounterOpts{
				Name: "reliefnet_bus_events_published_total",
				Help: "Total events published to the bus by type",
			},
			[]string{"type"},
		),
		dropped: promauto.With(registry).NewCounter(
			prometheus.CounterOpts{
				Name: "reliefnet_bus_events_dropped_total",
				Help: "Total events dropped due to full subscriber queues",
			},
		),
	}
}

// Subscribe registers a subscriber for the given event types; no types means
// every event. The returned channel is owned by the bus and closed on
// Unsubscribe.
func (b *Bus) Subscribe(types ...EventType) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSubID++
	sub := &subscriber{
		types: make(map[EventType]struct{}, len(types)),
		ch:    make(chan Event, SubscriberQueueSize),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.subscribers[b.lastSubID] = sub
	return b.lastSubID, sub.ch
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
}

// Publish delivers an event to every matching subscriber without blocking.
// Events to a full subscriber queue are dropped; durability for late joiners
// comes from the snapshot path, not from the bus.
func (b *Bus) Publish(eventType EventType, data any) {
	evt := NewEvent(eventType, data)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.metrics != nil {
		b.metrics.published.WithLabelValues(string(eventType)).Inc()
	}
	for id, sub := range b.subscribers {
		if !sub.wants(eventType) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.metrics != nil {
				b.metrics.dropped.Inc()
			}
			b.logger.Debug(
				"subscriber queue full, dropping event",
				"component", "bus",
				"subscriber", id,
				"type", eventType,
			)
		}
	}
}

// SubscriberCount reports the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
