package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/umt-project/umt/pkg/models"
)

// MemoryBroker is an in-process Broker with the same ack/requeue/DLQ
// semantics as the AMQP client. It backs agent-runtime unit tests and
// single-process development without RabbitMQ.
type MemoryBroker struct {
	mu        sync.Mutex
	exchanges map[string]map[string][]string // exchange → routing key → queues
	queues    map[string]*memoryQueue
	closed    bool

	// deadLetters collects messages that exhausted redelivery when their
	// dead-letter exchange has no bound queue. Inspected by tests.
	deadLetters []*models.Message
}

type memoryQueue struct {
	name string
	dlx  string
	ch   chan memoryDelivery
}

type memoryDelivery struct {
	body        []byte
	redelivered bool
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		exchanges: make(map[string]map[string][]string),
		queues:    make(map[string]*memoryQueue),
	}
}

func (b *MemoryBroker) DeclareQueue(_ context.Context, name, deadLetterExchange string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &memoryQueue{
			name: name,
			dlx:  deadLetterExchange,
			ch:   make(chan memoryDelivery, 1024),
		}
	}
	return nil
}

func (b *MemoryBroker) DeclareExchange(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[name]; !ok {
		b.exchanges[name] = make(map[string][]string)
	}
	return nil
}

func (b *MemoryBroker) BindQueue(_ context.Context, queue, exchange, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bindings, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("exchange %q not declared", exchange)
	}
	if _, ok := b.queues[queue]; !ok {
		return fmt.Errorf("queue %q not declared", queue)
	}
	for _, q := range bindings[routingKey] {
		if q == queue {
			return nil
		}
	}
	bindings[routingKey] = append(bindings[routingKey], queue)
	return nil
}

func (b *MemoryBroker) Publish(_ context.Context, exchange, routingKey string, msg *models.Message) error {
	body, err := msg.Marshal()
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("broker is closed")
	}
	return b.routeLocked(exchange, routingKey, memoryDelivery{body: body})
}

// routeLocked fans the delivery out to every queue bound on the routing key.
func (b *MemoryBroker) routeLocked(exchange, routingKey string, d memoryDelivery) error {
	bindings, ok := b.exchanges[exchange]
	if !ok {
		return fmt.Errorf("exchange %q not declared", exchange)
	}
	for _, queueName := range bindings[routingKey] {
		q := b.queues[queueName]
		select {
		case q.ch <- d:
		default:
			return fmt.Errorf("queue %q is full", queueName)
		}
	}
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, prefetch int, fn HandlerFunc) error {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("queue %q not declared", queue)
	}

	sem := make(chan struct{}, prefetch)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case d := <-q.ch:
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				go func(d memoryDelivery) {
					defer func() { <-sem }()
					b.handleDelivery(ctx, q, d, fn)
				}(d)
			}
		}
	}()

	return nil
}

func (b *MemoryBroker) handleDelivery(ctx context.Context, q *memoryQueue, d memoryDelivery, fn HandlerFunc) {
	var handlerErr error

	msg, err := models.UnmarshalMessage(d.body)
	if err != nil {
		handlerErr = err
		d.redelivered = true
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					handlerErr = fmt.Errorf("handler panic: %v", r)
				}
			}()
			handlerErr = fn(ctx, msg)
		}()
	}

	if handlerErr == nil {
		return // ack
	}

	if !d.redelivered {
		d.redelivered = true
		select {
		case q.ch <- d:
		default:
		}
		return
	}

	// Second failure: dead-letter.
	b.mu.Lock()
	defer b.mu.Unlock()
	if q.dlx != "" {
		if bindings, ok := b.exchanges[q.dlx]; ok && len(bindings) > 0 {
			_ = b.routeLocked(q.dlx, q.name, memoryDelivery{body: d.body})
			return
		}
	}
	if msg != nil {
		b.deadLetters = append(b.deadLetters, msg)
	}
}

// DeadLetters returns messages that exhausted redelivery. Test helper.
func (b *MemoryBroker) DeadLetters() []*models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Message, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
