// Package eventing publishes task lifecycle events to Kafka.
package eventing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// TaskEvent is the wire shape published for every terminal task transition.
type TaskEvent struct {
	TaskID      string    `json:"task_id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Publisher publishes a TaskEvent. Implementations must not block the
// caller for long; the Scheduler treats publish failures as non-fatal.
type Publisher interface {
	Publish(ctx context.Context, evt TaskEvent) error
	Close() error
}

// KafkaPublisher publishes task events as JSON, keyed by task id so a
// consumer group can partition by task.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher builds a publisher over brokers/topic.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			WriteTimeout: 5 * time.Second,
			RequiredAcks: kafka.RequireOne,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt TaskEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(evt.TaskID), Value: body})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

var _ Publisher = (*KafkaPublisher)(nil)
