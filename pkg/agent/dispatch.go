package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"

	"github.com/umt-project/umt/pkg/broker"
	"github.com/umt-project/umt/pkg/models"
)

// dispatch is the single entry point for delivered messages. Its return
// value drives broker acknowledgement: nil acks, an error nacks (requeue
// once, then dead-letter).
func (a *BaseAgent) dispatch(ctx context.Context, msg *models.Message) error {
	a.inflight.Add(1)
	defer a.inflight.Done()

	if err := msg.Validate(); err != nil {
		a.logger.ErrorContext(ctx, "Dropping invalid message",
			"message_id", msg.MessageID, "error", err)
		return fmt.Errorf("invalid message: %w", err)
	}

	ctx, span := startSpan(ctx, a.id, msg)
	defer span.End()

	switch msg.Kind() {
	case models.KindResponse:
		a.deliverResponse(ctx, msg)
		return nil
	case models.KindTask:
		return a.handleTask(ctx, msg)
	case models.KindEvent:
		a.handleEvent(ctx, msg)
		return nil
	default:
		return fmt.Errorf("unreachable message kind for %s", msg.MessageID)
	}
}

// deliverResponse hands a response to its waiter. Responses with no waiter
// (late arrivals after a timeout) are logged and dropped.
func (a *BaseAgent) deliverResponse(ctx context.Context, msg *models.Message) {
	a.mu.Lock()
	ch, ok := a.waiters[msg.ResponseTo]
	if ok {
		delete(a.waiters, msg.ResponseTo)
	}
	a.mu.Unlock()

	if !ok {
		a.logger.WarnContext(ctx, "Dropping uncorrelated response",
			"response_to", msg.ResponseTo, "sender", msg.SenderAgentID)
		return
	}
	ch <- msg
}

// handleTask runs the task handler behind its breaker and sends exactly one
// response. Handler failures become error responses and the delivery is
// still acked; only a failed response publish propagates a broker nack.
func (a *BaseAgent) handleTask(ctx context.Context, msg *models.Message) error {
	logger := a.logger.With("task_type", msg.TaskType, "task_id", msg.TaskID,
		"sender", msg.SenderAgentID)

	handler, ok := a.taskHandlers[msg.TaskType]
	if !ok {
		logger.WarnContext(ctx, "Unknown task type")
		return a.respond(ctx, msg, models.Errf(models.KindValidation,
			"agent %s has no handler for task type %q", a.id, msg.TaskType))
	}

	result := a.executeTask(ctx, handler, msg)
	if result.IsOK() {
		logger.InfoContext(ctx, "Task completed")
	} else {
		logger.WarnContext(ctx, "Task failed",
			"error_kind", models.KindOf(result.Err), "error", result.Err)
	}
	return a.respond(ctx, msg, result)
}

// executeTask wraps one handler call in the circuit breaker and a panic
// recovery boundary.
func (a *BaseAgent) executeTask(ctx context.Context, handler TaskHandler, msg *models.Message) models.Result {
	breaker := a.breakers[msg.TaskType]

	out, err := breaker.Execute(func() (any, error) {
		result := a.runHandler(ctx, handler, msg)
		if !result.IsOK() {
			return result, result.Err
		}
		return result, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.Errf(models.KindInternal,
			"handler for %s is unavailable", msg.TaskType)
	}
	if result, ok := out.(models.Result); ok {
		return result
	}
	return models.Err(err)
}

// runHandler converts a handler panic into an error result.
func (a *BaseAgent) runHandler(ctx context.Context, handler TaskHandler, msg *models.Message) (result models.Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.ErrorContext(ctx, "Task handler panicked",
				"task_type", msg.TaskType, "panic", r)
			result = models.Errf(models.KindInternal, "handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}

// respond publishes the single response for a task back to its sender.
func (a *BaseAgent) respond(ctx context.Context, req *models.Message, result models.Result) error {
	resp := models.NewResponseMessage(a.id, req, result)
	injectTrace(ctx, resp)
	if err := a.broker.Publish(ctx, broker.TasksExchange, req.SenderAgentID, resp); err != nil {
		return fmt.Errorf("publish response to %s: %w", req.SenderAgentID, err)
	}
	return nil
}

// handleEvent runs every subscribed handler. Event failures are logged and
// swallowed so the delivery always acks; events are never answered.
func (a *BaseAgent) handleEvent(ctx context.Context, msg *models.Message) {
	handlers := a.eventHandlers[msg.EventType]
	if len(handlers) == 0 {
		a.logger.DebugContext(ctx, "No handler for event", "event_type", msg.EventType)
		return
	}

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.ErrorContext(ctx, "Event handler panicked",
						"event_type", msg.EventType, "panic", r)
				}
			}()
			if err := handler(ctx, msg); err != nil {
				a.logger.ErrorContext(ctx, "Event handler failed",
					"event_type", msg.EventType, "event_id", msg.EventID, "error", err)
			}
		}()
	}
}
