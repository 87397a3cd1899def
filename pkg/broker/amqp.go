package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

// AMQPClient is the production Broker over RabbitMQ.
//
// One connection per agent, shared by publish and consume. Publishing uses
// a dedicated channel in confirm mode guarded by a mutex; each Consume call
// opens its own channel so per-queue QoS applies independently.
type AMQPClient struct {
	cfg *config.BrokerConfig

	conn *amqp.Connection

	pubMu  sync.Mutex
	pubCh  *amqp.Channel
	closed bool

	logger *slog.Logger
}

// Connect dials the broker and opens the publish channel in confirm mode.
// The dial itself is retried with the configured backoff.
func Connect(ctx context.Context, cfg *config.BrokerConfig) (*AMQPClient, error) {
	c := &AMQPClient{cfg: cfg, logger: slog.Default()}

	err := c.withRetry(ctx, "dial", func() error {
		conn, err := amqp.Dial(cfg.URL)
		if err != nil {
			return err
		}
		c.conn = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = c.conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	c.pubCh = ch

	return c, nil
}

// Close shuts the connection down. Safe to call twice.
func (c *AMQPClient) Close() error {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

func (c *AMQPClient) DeclareQueue(_ context.Context, name, deadLetterExchange string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	var args amqp.Table
	if deadLetterExchange != "" {
		args = amqp.Table{"x-dead-letter-exchange": deadLetterExchange}
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}

func (c *AMQPClient) DeclareExchange(_ context.Context, name string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", name, err)
	}
	return nil
}

func (c *AMQPClient) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return fmt.Errorf("bind %q to %q on %q: %w", queue, exchange, routingKey, err)
	}
	return nil
}

// Publish sends msg and waits for the broker's confirm. Transport failures
// are retried with capped exponential backoff before surfacing.
func (c *AMQPClient) Publish(ctx context.Context, exchange, routingKey string, msg *models.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}

	return c.withRetry(ctx, "publish", func() error {
		c.pubMu.Lock()
		defer c.pubMu.Unlock()
		if c.closed {
			return fmt.Errorf("broker client is closed")
		}

		confirm, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx,
			exchange, routingKey, false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.MessageID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			})
		if err != nil {
			return err
		}

		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("broker nacked publish of %s", msg.MessageID)
		}
		return nil
	})
}

// Consume opens a channel with QoS = prefetch and runs the single-threaded
// delivery loop in a goroutine. Each delivery is dispatched to fn under a
// semaphore of the same size; the fn result decides ack/nack.
func (c *AMQPClient) Consume(ctx context.Context, queue string, prefetch int, fn HandlerFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set qos on %q: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %q: %w", queue, err)
	}

	sem := make(chan struct{}, prefetch)

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					// Agent is stopping: requeue so another replica can
					// pick the message up.
					_ = d.Nack(false, true)
					return
				}
				go func(d amqp.Delivery) {
					defer func() { <-sem }()
					c.handleDelivery(ctx, queue, d, fn)
				}(d)
			}
		}
	}()

	return nil
}

// handleDelivery invokes fn and settles the delivery. First failure
// requeues; a redelivered failure dead-letters (requeue=false routes to the
// queue's DLX). Panics count as failures.
func (c *AMQPClient) handleDelivery(ctx context.Context, queue string, d amqp.Delivery, fn HandlerFunc) {
	var handlerErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
				c.logger.Error("Handler panicked", "queue", queue, "panic", r)
			}
		}()

		msg, err := models.UnmarshalMessage(d.Body)
		if err != nil {
			// Malformed payloads can never succeed: drop to DLQ directly.
			handlerErr = err
			d.Redelivered = true
			return
		}
		handlerErr = fn(ctx, msg)
	}()

	if handlerErr == nil {
		if err := d.Ack(false); err != nil {
			c.logger.Error("Failed to ack delivery", "queue", queue, "error", err)
		}
		return
	}

	requeue := !d.Redelivered
	c.logger.Warn("Handler failed, nacking delivery",
		"queue", queue,
		"requeue", requeue,
		"error", handlerErr)
	if err := d.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to nack delivery", "queue", queue, "error", err)
	}
}

// withRetry runs op with capped exponential backoff per the broker config.
func (c *AMQPClient) withRetry(ctx context.Context, name string, op func() error) error {
	backoff := c.cfg.PublishBackoffMin
	var lastErr error

	for attempt := 1; attempt <= c.cfg.PublishRetries; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == c.cfg.PublishRetries {
			break
		}

		c.logger.Warn("Broker operation failed, retrying",
			"op", name,
			"attempt", attempt,
			"backoff", backoff,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.PublishBackoffMax {
			backoff = c.cfg.PublishBackoffMax
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, c.cfg.PublishRetries, lastErr)
}
