// Package runner supervises a set of agents inside one process: it resolves
// which agents to run, gives each its own broker connection, staggers their
// starts, and stops them in reverse order on shutdown.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/umt-project/umt/pkg/agents"
	"github.com/umt-project/umt/pkg/broker"
	"github.com/umt-project/umt/pkg/config"
)

// BrokerFactory opens one broker connection. The supervisor calls it once
// per agent so a broken connection takes down a single agent, not all.
type BrokerFactory func(ctx context.Context) (broker.Broker, error)

// SelectAgents resolves the agent set for this process. Precedence:
// allAgents flag, then AGENT_NAMES (comma separated), then AGENT_NAME.
func SelectAgents(allAgents bool) ([]string, error) {
	if allAgents {
		return agents.All(), nil
	}

	if names := os.Getenv("AGENT_NAMES"); names != "" {
		var ids []string
		for _, name := range strings.Split(names, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if err := validateAgentID(name); err != nil {
				return nil, err
			}
			ids = append(ids, name)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("AGENT_NAMES is set but names no agents")
		}
		return ids, nil
	}

	if name := os.Getenv("AGENT_NAME"); name != "" {
		if err := validateAgentID(name); err != nil {
			return nil, err
		}
		return []string{name}, nil
	}

	return nil, fmt.Errorf("no agents selected: set AGENT_NAME or AGENT_NAMES, or pass --all-agents")
}

func validateAgentID(id string) error {
	for _, known := range agents.All() {
		if id == known {
			return nil
		}
	}
	return fmt.Errorf("unknown agent %q (known: %s)", id, strings.Join(agents.All(), ", "))
}

type supervised struct {
	agent  agents.Runnable
	broker broker.Broker
}

// Supervisor owns the lifecycle of a set of agents.
type Supervisor struct {
	deps      agents.Deps
	newBroker BrokerFactory
	logger    *slog.Logger

	mu      sync.Mutex
	running []supervised
}

// New builds a supervisor. deps.Broker is ignored; every agent gets its own
// connection from newBroker.
func New(deps agents.Deps, newBroker BrokerFactory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		deps:      deps,
		newBroker: newBroker,
		logger:    logger.With("component", "runner"),
	}
}

func (s *Supervisor) runtime() *config.RuntimeConfig {
	if s.deps.Config != nil && s.deps.Config.Runtime != nil {
		return s.deps.Config.Runtime
	}
	return config.DefaultRuntimeConfig()
}

// Start launches the named agents in order, pausing StartStagger between
// starts so their queue declarations do not storm the broker. A failure
// stops whatever already started and returns.
func (s *Supervisor) Start(ctx context.Context, ids []string) error {
	stagger := s.runtime().StartStagger

	for i, id := range ids {
		if i > 0 && stagger > 0 {
			select {
			case <-ctx.Done():
				s.Stop()
				return ctx.Err()
			case <-time.After(stagger):
			}
		}

		b, err := s.newBroker(ctx)
		if err != nil {
			s.Stop()
			return fmt.Errorf("connect broker for %s: %w", id, err)
		}

		deps := s.deps
		deps.Broker = b
		a, err := agents.New(id, deps)
		if err != nil {
			_ = b.Close()
			s.Stop()
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = b.Close()
			s.Stop()
			return fmt.Errorf("start %s: %w", id, err)
		}

		s.mu.Lock()
		s.running = append(s.running, supervised{agent: a, broker: b})
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "Agent started", "agent", id)
	}
	return nil
}

// Stop shuts agents down in reverse start order. Each agent gets StopBudget
// to drain; one overrunning its budget does not hold up the rest.
func (s *Supervisor) Stop() {
	budget := s.runtime().StopBudget

	s.mu.Lock()
	running := s.running
	s.running = nil
	s.mu.Unlock()

	for i := len(running) - 1; i >= 0; i-- {
		sv := running[i]
		id := sv.agent.ID()

		done := make(chan error, 1)
		go func() { done <- sv.agent.Stop() }()
		select {
		case err := <-done:
			if err != nil {
				s.logger.Warn("Agent stop failed", "agent", id, "error", err)
			} else {
				s.logger.Info("Agent stopped", "agent", id)
			}
		case <-time.After(budget):
			s.logger.Warn("Agent exceeded stop budget", "agent", id, "budget", budget)
		}

		if err := sv.broker.Close(); err != nil {
			s.logger.Warn("Broker close failed", "agent", id, "error", err)
		}
	}
}

// Ready reports whether every supervised agent can reach the broker.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.running) == 0 {
		return false
	}
	for _, sv := range s.running {
		if !sv.agent.Ready() {
			return false
		}
	}
	return true
}

// Run starts ids and blocks until ctx is cancelled, then performs the
// staged shutdown.
func (s *Supervisor) Run(ctx context.Context, ids []string) error {
	if err := s.Start(ctx, ids); err != nil {
		return err
	}
	<-ctx.Done()
	s.logger.Info("Shutdown signal received, stopping agents")
	s.Stop()
	return nil
}
