// Package agent implements the shared runtime owned by every concrete
// agent: queue topology, the dispatch state machine, bounded handler
// concurrency, circuit breaking, response correlation and lifecycle.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/umt-project/umt/pkg/broker"
	"github.com/umt-project/umt/pkg/config"
	"github.com/umt-project/umt/pkg/models"
)

// TaskHandler processes one task and returns its result. The runtime
// flattens the result into exactly one response envelope.
type TaskHandler func(ctx context.Context, msg *models.Message) models.Result

// EventHandler reacts to one broadcast event. Errors are logged, never
// answered.
type EventHandler func(ctx context.Context, msg *models.Message) error

// TimerFunc runs on a periodic schedule between Start and Stop.
type TimerFunc func(ctx context.Context)

type timerSpec struct {
	name     string
	interval time.Duration
	fn       TimerFunc
}

// BaseAgent is the runtime embedded by concrete agents. Handlers and timers
// are registered before Start; registration after Start panics.
type BaseAgent struct {
	id     string
	broker broker.Broker
	cfg    *config.RuntimeConfig
	logger *slog.Logger

	taskHandlers  map[string]TaskHandler
	eventHandlers map[string][]EventHandler
	timers        []timerSpec
	breakers      map[string]*gobreaker.CircuitBreaker

	mu      sync.Mutex
	waiters map[string]chan *models.Message
	started bool
	stopped bool
	cancel  context.CancelFunc

	inflight sync.WaitGroup
	timersWG sync.WaitGroup
}

// New builds an agent runtime with the given identity.
func New(id string, b broker.Broker, cfg *config.RuntimeConfig, logger *slog.Logger) *BaseAgent {
	if cfg == nil {
		cfg = config.DefaultRuntimeConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseAgent{
		id:            id,
		broker:        b,
		cfg:           cfg,
		logger:        logger.With("agent_id", id),
		taskHandlers:  make(map[string]TaskHandler),
		eventHandlers: make(map[string][]EventHandler),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		waiters:       make(map[string]chan *models.Message),
	}
}

// ID returns the agent identity used for queue and routing-key names.
func (a *BaseAgent) ID() string { return a.id }

// Logger exposes the agent-scoped logger to the embedding agent.
func (a *BaseAgent) Logger() *slog.Logger { return a.logger }

// OnTask registers the handler for a task type and creates its circuit
// breaker.
func (a *BaseAgent) OnTask(taskType string, handler TaskHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		panic("agent: OnTask after Start")
	}
	a.taskHandlers[taskType] = handler
	a.breakers[taskType] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        a.id + ":" + taskType,
		MaxRequests: 1,
		Interval:    a.cfg.BreakerWindow,
		Timeout:     a.cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= a.cfg.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.logger.Warn("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// OnEvent subscribes a handler to an event type. Multiple handlers per type
// run in registration order.
func (a *BaseAgent) OnEvent(eventType string, handler EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		panic("agent: OnEvent after Start")
	}
	a.eventHandlers[eventType] = append(a.eventHandlers[eventType], handler)
}

// Every registers a periodic timer that runs between Start and Stop.
func (a *BaseAgent) Every(name string, interval time.Duration, fn TimerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		panic("agent: Every after Start")
	}
	a.timers = append(a.timers, timerSpec{name: name, interval: interval, fn: fn})
}

func (a *BaseAgent) tasksQueue() string  { return a.id }
func (a *BaseAgent) eventsQueue() string { return a.id + ".events" }

// Start declares the topology, begins consuming and launches timers.
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("agent %s already started", a.id)
	}
	a.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.mu.Unlock()

	if err := a.declareTopology(ctx); err != nil {
		return fmt.Errorf("declare topology for %s: %w", a.id, err)
	}

	prefetch := a.cfg.HandlerPoolSize
	if err := a.broker.Consume(runCtx, a.tasksQueue(), prefetch, a.dispatch); err != nil {
		return fmt.Errorf("consume %s: %w", a.tasksQueue(), err)
	}
	if len(a.eventHandlers) > 0 {
		if err := a.broker.Consume(runCtx, a.eventsQueue(), prefetch, a.dispatch); err != nil {
			return fmt.Errorf("consume %s: %w", a.eventsQueue(), err)
		}
	}

	for _, spec := range a.timers {
		a.timersWG.Add(1)
		go a.runTimer(runCtx, spec)
	}

	a.logger.Info("Agent started",
		"task_types", len(a.taskHandlers),
		"event_types", len(a.eventHandlers),
		"timers", len(a.timers))
	return nil
}

func (a *BaseAgent) declareTopology(ctx context.Context) error {
	for _, exchange := range []string{
		broker.TasksExchange, broker.EventsExchange,
		broker.TasksDLQExchange, broker.EventsDLQExchange,
	} {
		if err := a.broker.DeclareExchange(ctx, exchange); err != nil {
			return err
		}
	}

	if err := a.broker.DeclareQueue(ctx, a.tasksQueue(), broker.TasksDLQExchange); err != nil {
		return err
	}
	if err := a.broker.BindQueue(ctx, a.tasksQueue(), broker.TasksExchange, a.id); err != nil {
		return err
	}

	if len(a.eventHandlers) > 0 {
		if err := a.broker.DeclareQueue(ctx, a.eventsQueue(), broker.EventsDLQExchange); err != nil {
			return err
		}
		for eventType := range a.eventHandlers {
			if err := a.broker.BindQueue(ctx, a.eventsQueue(), broker.EventsExchange, eventType); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *BaseAgent) runTimer(ctx context.Context, spec timerSpec) {
	defer a.timersWG.Done()
	ticker := time.NewTicker(spec.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						a.logger.Error("Timer panicked", "timer", spec.name, "panic", r)
					}
				}()
				spec.fn(ctx)
			}()
		}
	}
}

// Ready reports whether the agent is consuming. Used for readiness probes.
func (a *BaseAgent) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started && !a.stopped
}

// Stop drains the agent: no new sends, timers stopped, in-flight handlers
// given the drain grace, then the broker connection is closed.
func (a *BaseAgent) Stop() error {
	a.mu.Lock()
	if !a.started || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.timersWG.Wait()

	drained := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(a.cfg.DrainGrace):
		a.logger.Warn("Drain grace expired with handlers in flight")
	}

	a.failWaiters()

	if err := a.broker.Close(); err != nil {
		return fmt.Errorf("close broker for %s: %w", a.id, err)
	}
	a.logger.Info("Agent stopped")
	return nil
}

// failWaiters releases every pending response wait on shutdown.
func (a *BaseAgent) failWaiters() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, ch := range a.waiters {
		close(ch)
		delete(a.waiters, id)
	}
}

func (a *BaseAgent) sendable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return models.NewTaskError(models.KindInternal, "agent %s not started", a.id)
	}
	if a.stopped {
		return models.NewTaskError(models.KindInternal, "agent %s is stopped", a.id)
	}
	return nil
}

// SendTask publishes a task to target. When wait is true it blocks for the
// correlated response up to timeout (zero means the configured default).
func (a *BaseAgent) SendTask(ctx context.Context, target, taskType string, payload map[string]any, wait bool, timeout time.Duration) (*models.Message, error) {
	if err := a.sendable(); err != nil {
		return nil, err
	}

	msg := models.NewTaskMessage(a.id, target, taskType, payload)
	injectTrace(ctx, msg)

	var waitCh chan *models.Message
	if wait {
		waitCh = make(chan *models.Message, 1)
		a.mu.Lock()
		a.waiters[msg.MessageID] = waitCh
		a.mu.Unlock()
		defer func() {
			a.mu.Lock()
			delete(a.waiters, msg.MessageID)
			a.mu.Unlock()
		}()
	}

	if err := a.broker.Publish(ctx, broker.TasksExchange, target, msg); err != nil {
		return nil, models.WrapTaskError(models.KindTransport, err)
	}
	if !wait {
		return nil, nil
	}

	if timeout <= 0 {
		timeout = a.cfg.ResponseTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, models.WrapTaskError(models.KindTimeout, ctx.Err())
	case <-timer.C:
		return nil, models.NewTaskError(models.KindTimeout,
			"no response from %s for %s within %s", target, taskType, timeout)
	case resp, ok := <-waitCh:
		if !ok {
			return nil, models.NewTaskError(models.KindInternal, "agent stopped while waiting")
		}
		return resp, nil
	}
}

// BroadcastEvent publishes an event to every subscriber of its type.
func (a *BaseAgent) BroadcastEvent(ctx context.Context, eventType string, payload map[string]any) error {
	if err := a.sendable(); err != nil {
		return err
	}
	msg := models.NewEventMessage(a.id, eventType, payload)
	injectTrace(ctx, msg)
	if err := a.broker.Publish(ctx, broker.EventsExchange, eventType, msg); err != nil {
		return models.WrapTaskError(models.KindTransport, err)
	}
	return nil
}
