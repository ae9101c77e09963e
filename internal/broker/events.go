package broker

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// EventTypeHeader carries the event type so consumers can route without decoding
const EventTypeHeader = "event_type"

type namedEvent interface {
	Name() string
}

// EventPublisher handles publishing order domain events. Messages for one
// order share a key, so they land on one partition in order.
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// Publish sends event keyed by its order id
func (ep *EventPublisher) Publish(ctx context.Context, orderKey string, event interface{}) error {
	var headers []kafka.Header
	if named, ok := event.(namedEvent); ok {
		headers = append(headers, kafka.Header{Key: EventTypeHeader, Value: []byte(named.Name())})
	}
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("order-%s", orderKey), event, headers...)
}
