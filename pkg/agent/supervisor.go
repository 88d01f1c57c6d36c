package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SupervisorConfig holds configuration for the supervisor
type SupervisorConfig struct {
	// MaxRetries is the maximum number of restart attempts
	MaxRetries int
	// RetryDelay is the delay between restart attempts
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check agent health
	HealthCheckInterval time.Duration
}

// DefaultSupervisorConfig returns default supervisor configuration
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxRetries:          3,
		RetryDelay:          5 * time.Second,
		HealthCheckInterval: 10 * time.Second,
	}
}

// Supervisor restarts a host process's Agent on an unexpected crash
// (StateError) or unexpected stop, the way a backup core's host process
// is expected to keep the agent available across a long-running
// session without the host needing its own retry loop.
type Supervisor struct {
	mu     sync.RWMutex
	agent  *Agent
	config SupervisorConfig

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	running    bool
	retryCount int
}

// NewSupervisor creates a new supervisor for the given agent
func NewSupervisor(agent *Agent) *Supervisor {
	return NewSupervisorWithConfig(agent, DefaultSupervisorConfig())
}

// NewSupervisorWithConfig creates a new supervisor with custom configuration
func NewSupervisorWithConfig(agent *Agent, config SupervisorConfig) *Supervisor {
	return &Supervisor{
		agent:  agent,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start starts the supervised agent and begins health-checking it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("supervisor is already running")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.retryCount = 0

	if err := s.agent.Start(s.ctx); err != nil {
		s.running = false
		return fmt.Errorf("failed to start agent: %w", err)
	}

	go s.supervise()

	return nil
}

// Stop stops the supervisor and the managed agent
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return fmt.Errorf("supervisor is not running")
	}

	if s.cancel != nil {
		s.cancel()
	}

	if err := s.agent.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for supervisor to stop")
	}

	s.running = false
	return nil
}

// IsRunning returns whether the supervisor is running
func (s *Supervisor) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RetryCount returns the number of consecutive restart attempts; it is
// reset by Start and after every successful restart.
func (s *Supervisor) RetryCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryCount
}

// supervise is the main supervisor loop
func (s *Supervisor) supervise() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.checkAgentHealth()
		}
	}
}

// checkAgentHealth restarts the agent if it crashed into StateError or
// stopped while the supervisor still expects it to be running.
func (s *Supervisor) checkAgentHealth() {
	state := s.agent.State()

	if state == StateError || (state == StateStopped && s.running) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if s.retryCount >= s.config.MaxRetries {
			agentLog.WithField("max_retries", s.config.MaxRetries).Warn("supervisor: giving up on unhealthy agent")
			return
		}

		s.retryCount++
		agentLog.WithField("state", state.String()).WithField("attempt", s.retryCount).WithField("max_retries", s.config.MaxRetries).
			Warn("supervisor: agent unhealthy, restarting")

		time.Sleep(s.config.RetryDelay)

		if err := s.agent.Start(s.ctx); err != nil {
			agentLog.WithField("error", err.Error()).Warn("supervisor: failed to restart agent")
		} else {
			agentLog.Info("supervisor: agent restarted")
			s.retryCount = 0
		}
	}
}
