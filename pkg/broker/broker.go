// Package broker provides the message-broker client: queue and exchange
// declaration, confirmed publishing with retry, and acked consumption with
// dead-lettering. The production implementation speaks AMQP 0-9-1; an
// in-memory implementation backs unit tests.
package broker

import (
	"context"

	"github.com/umt-project/umt/pkg/models"
)

// Exchange and dead-letter exchange names, fixed by contract.
const (
	TasksExchange     = "tasks"
	EventsExchange    = "events"
	TasksDLQExchange  = "tasks.dlq"
	EventsDLQExchange = "events.dlq"
)

// HandlerFunc processes one delivered message. A nil return acknowledges
// the message; an error (or panic) nacks it. The first failure requeues,
// the second routes to the dead-letter exchange.
type HandlerFunc func(ctx context.Context, msg *models.Message) error

// Broker is the messaging contract shared by the AMQP client and the
// in-memory test double.
type Broker interface {
	// DeclareQueue creates a durable queue. deadLetterExchange may be
	// empty to skip dead-lettering.
	DeclareQueue(ctx context.Context, name, deadLetterExchange string) error

	// DeclareExchange creates a durable topic exchange.
	DeclareExchange(ctx context.Context, name string) error

	// BindQueue binds queue to exchange on routingKey.
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// Publish sends msg to exchange with routingKey. It returns only after
	// the broker has accepted the message or retries are exhausted.
	Publish(ctx context.Context, exchange, routingKey string, msg *models.Message) error

	// Consume starts delivering messages from queue to fn. The consume
	// loop is single-threaded per queue; deliveries are dispatched to at
	// most prefetch concurrent fn invocations, and the broker-side
	// prefetch window is bounded to the same value so saturation backs up
	// in the broker. Consume returns once the loop has started; it stops
	// when ctx is cancelled.
	Consume(ctx context.Context, queue string, prefetch int, fn HandlerFunc) error

	// Close tears down the connection. In-flight handlers are not waited on.
	Close() error
}
