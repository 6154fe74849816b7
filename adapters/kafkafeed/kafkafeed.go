// Package kafkafeed publishes phase transition events to a Kafka topic. Events are keyed by
// flow ID so all transitions for a flow land on one partition in order.
package kafkafeed

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/segmentio/kafka-go"

	"github.com/atlasadvisory/masterflow"
)

const defaultWriteTimeout = 10 * time.Second

type Feed struct {
	writer *kafka.Writer
}

// New returns a feed writing to the given topic. The writer requires acks from all in-sync
// replicas: a transition event is only deleted from the outbox once it is durable in Kafka.
func New(brokers []string, topic string) *Feed {
	return &Feed{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: defaultWriteTimeout,
		},
	}
}

var _ masterflow.TransitionFeed = (*Feed)(nil)

func (f *Feed) Publish(ctx context.Context, e masterflow.OutboxEvent) error {
	value, err := masterflow.MarshalEvent(e)
	if err != nil {
		return errors.Wrap(err, "marshal transition event", j.MKV{"event_id": e.ID})
	}

	err = f.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.FlowID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "tenant", Value: []byte(e.TenantScope.Partition())},
			{Key: "flow_type", Value: []byte(e.FlowType.String())},
		},
	})
	if err != nil {
		return errors.Wrap(err, "publish transition event", j.MKV{
			"event_id": e.ID,
			"flow_id":  e.FlowID,
		})
	}

	return nil
}

func (f *Feed) Close() error {
	return f.writer.Close()
}
