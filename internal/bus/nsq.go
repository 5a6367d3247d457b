package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"
)

// NSQSink publishes each event to the NSQ topic of the same name.
type NSQSink struct {
	producer *nsq.Producer
}

func NewNSQSink(address string) (*NSQSink, error) {
	producer, err := nsq.NewProducer(address, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("create nsq producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("ping nsqd: %w", err)
	}
	return &NSQSink{producer: producer}, nil
}

func (n *NSQSink) Name() string { return "nsq" }

func (n *NSQSink) Forward(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Topic, err)
	}
	if err := n.producer.Publish(ev.Topic, b); err != nil {
		return fmt.Errorf("nsq publish %s: %w", ev.Topic, err)
	}
	return nil
}

func (n *NSQSink) Close() error {
	n.producer.Stop()
	return nil
}
