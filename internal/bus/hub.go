// Package bus fans dispatch events out to in-process subscribers and mirrors
// them to external brokers.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	TopicDriverLocation = "driver.location"
	TopicRideAssigned   = "ride.assigned"
	TopicRideStatus     = "ride.status"
)

type Event struct {
	Topic   string    `json:"topic"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// Sink receives a copy of every published event off the hot path.
type Sink interface {
	Name() string
	Forward(ctx context.Context, ev Event) error
}

type Subscription struct {
	C <-chan Event

	hub   *Hub
	topic string
	id    uint64
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

// Close detaches the subscriber and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		close(s.done)
	})
}

// Hub is an in-process publish/subscribe switch. Publishing never blocks on a
// slow subscriber: if its buffer is full the event is dropped for that
// subscriber only.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*Subscription
	nextID uint64
	buffer int

	sinks  []Sink
	queue  chan Event
	logger *slog.Logger
	now    func() time.Time
}

// NewHub builds a hub whose subscribers get buffer slots each. Sinks are fed
// by Run.
func NewHub(buffer int, logger *slog.Logger, sinks ...Sink) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	h := &Hub{
		subs:   make(map[string]map[uint64]*Subscription),
		buffer: buffer,
		sinks:  sinks,
		logger: logging.OrDefault(logger),
		now:    time.Now,
	}
	if len(sinks) > 0 {
		h.queue = make(chan Event, 1024)
	}
	return h
}

func (h *Hub) Publish(_ context.Context, topic, key string, payload any) {
	ev := Event{Topic: topic, Key: key, At: h.now().UTC(), Payload: payload}

	h.mu.RLock()
	for _, s := range h.subs[topic] {
		select {
		case s.ch <- ev:
		default:
			observability.BusEventsDropped.WithLabelValues("slow_subscriber").Inc()
		}
	}
	h.mu.RUnlock()

	if h.queue != nil {
		select {
		case h.queue <- ev:
		default:
			observability.BusEventsDropped.WithLabelValues("sink_backlog").Inc()
			h.logger.Warn("bus_sink_backlog_full", "topic", topic, "key", key)
		}
	}
}

// Subscribe registers a subscriber on topic. The subscription is closed when
// ctx is done or Close is called.
func (h *Hub) Subscribe(ctx context.Context, topic string) *Subscription {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.nextID++
	s := &Subscription{C: ch, hub: h, topic: topic, id: h.nextID, ch: ch, done: make(chan struct{})}
	bucket, ok := h.subs[topic]
	if !ok {
		bucket = make(map[uint64]*Subscription)
		h.subs[topic] = bucket
	}
	bucket[s.id] = s
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if bucket, ok := h.subs[s.topic]; ok {
		delete(bucket, s.id)
		if len(bucket) == 0 {
			delete(h.subs, s.topic)
		}
	}
	close(s.ch)
}

// Run forwards queued events to the sinks until ctx is done. A failing sink
// is logged and does not hold back the others.
func (h *Hub) Run(ctx context.Context) {
	if h.queue == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.queue:
			for _, sink := range h.sinks {
				fctx, cancel := context.WithTimeout(ctx, 2*time.Second)
				if err := sink.Forward(fctx, ev); err != nil {
					observability.BusEventsDropped.WithLabelValues("sink_error").Inc()
					h.logger.Error("bus_forward_failed", "sink", sink.Name(), "topic", ev.Topic, "key", ev.Key, "error", err)
				}
				cancel()
			}
		}
	}
}
