package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/observability"
)

// RedisSink publishes every event on a Redis pub/sub channel so processes
// without their own subscribers, like the Kafka consumer, reach the API
// servers' hubs.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Forward(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Topic, err)
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Topic, err)
	}
	return nil
}

// Decoder turns a relayed payload back into the type local subscribers expect.
type Decoder func(raw json.RawMessage) (any, error)

// RedisRelay republishes events from a RedisSink channel into a local hub.
// Topics without a decoder are passed on as json.RawMessage.
type RedisRelay struct {
	Client   *redis.Client
	Channel  string
	Hub      *Hub
	Decoders map[string]Decoder
	Logger   *slog.Logger
}

type relayedEvent struct {
	Topic   string          `json:"topic"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// Start subscribes and returns once Redis has confirmed the subscription.
// Relaying stops when ctx is done.
func (r *RedisRelay) Start(ctx context.Context) error {
	ps := r.Client.Subscribe(ctx, r.Channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", r.Channel, err)
	}
	go r.run(ctx, ps)
	return nil
}

func (r *RedisRelay) run(ctx context.Context, ps *redis.PubSub) {
	logger := logging.OrDefault(r.Logger)
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			ev, err := r.decode([]byte(msg.Payload))
			if err != nil {
				observability.BusEventsDropped.WithLabelValues("relay_decode").Inc()
				logger.Warn("bus_relay_bad_event", "channel", r.Channel, "error", err)
				continue
			}
			r.Hub.Publish(ctx, ev.Topic, ev.Key, ev.Payload)
		}
	}
}

func (r *RedisRelay) decode(b []byte) (Event, error) {
	var raw relayedEvent
	if err := json.Unmarshal(b, &raw); err != nil {
		return Event{}, err
	}
	if raw.Topic == "" {
		return Event{}, errors.New("event without topic")
	}
	ev := Event{Topic: raw.Topic, Key: raw.Key, Payload: raw.Payload}
	if dec, ok := r.Decoders[raw.Topic]; ok {
		p, err := dec(raw.Payload)
		if err != nil {
			return Event{}, fmt.Errorf("decode %s payload: %w", raw.Topic, err)
		}
		ev.Payload = p
	}
	return ev, nil
}
