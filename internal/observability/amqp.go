package observability

import (
	"context"
)

// Publisher delivers lifecycle events to the events exchange. The AMQP
// publisher from the rabbitmq package satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

var defaultPublisher Publisher

func SetPublisher(publisher Publisher) {
	defaultPublisher = publisher
}

// PublishEvent sends envelope with the given correlation headers. It is a
// no-op until SetPublisher is called.
func PublishEvent(ctx context.Context, routingKey string, envelope EventEnvelope, headers map[string]string) error {
	if defaultPublisher == nil {
		return nil
	}
	if len(headers) > 0 {
		envelope.Headers = headers
	}

	err := defaultPublisher.Publish(ctx, routingKey, envelope)
	if err != nil {
		IncAMQPPublishError()
	}
	return err
}
