package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/outreach/internal/task"
)

// DeadLetterPublisher receives tasks that exhausted their retries
type DeadLetterPublisher interface {
	Publish(ctx context.Context, dl task.DeadLetter) error
}

// nsqPublisher is the subset of *nsq.Producer used here
type nsqPublisher interface {
	Publish(topic string, body []byte) error
	Stop()
}

// NSQDeadLetters publishes dead-letter envelopes to an nsqd topic
type NSQDeadLetters struct {
	producer nsqPublisher
	topic    string
}

// NewNSQDeadLetters connects a producer to nsqd at addr
func NewNSQDeadLetters(addr, topic string) (*NSQDeadLetters, error) {
	p, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	p.SetLoggerLevel(nsq.LogLevelWarning)
	return &NSQDeadLetters{producer: p, topic: topic}, nil
}

func (n *NSQDeadLetters) Publish(_ context.Context, dl task.DeadLetter) error {
	b, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := n.producer.Publish(n.topic, b); err != nil {
		return fmt.Errorf("publish %s: %w", n.topic, err)
	}
	return nil
}

func (n *NSQDeadLetters) Topic() string { return n.topic }

func (n *NSQDeadLetters) Stop() {
	n.producer.Stop()
}
