package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
	"github.com/t77yq/agent-heartbeat/internal/inventory"
	"github.com/t77yq/agent-heartbeat/internal/model"
	"github.com/t77yq/agent-heartbeat/internal/storage"
)

// EndpointChecker reports whether an endpoint can be probed
type EndpointChecker interface {
	Supports(endpoint string) bool
}

// ErrUnsupportedEndpoint is returned when no transport can probe an endpoint
var ErrUnsupportedEndpoint = errors.New("unsupported endpoint")

// AgentService keeps the monitor and the registration registry in step
type AgentService struct {
	logger   *zap.Logger
	monitor  *heartbeat.Monitor
	registry storage.Registry
	checker  EndpointChecker
}

// NewAgentService creates an agent service. registry and checker may be nil.
func NewAgentService(monitor *heartbeat.Monitor, registry storage.Registry, checker EndpointChecker, logger *zap.Logger) *AgentService {
	return &AgentService{
		logger:   logger.Named("agent-service"),
		monitor:  monitor,
		registry: registry,
		checker:  checker,
	}
}

// Monitor returns the underlying monitor
func (s *AgentService) Monitor() *heartbeat.Monitor {
	return s.monitor
}

// Register starts monitoring an agent and persists the registration
func (s *AgentService) Register(ctx context.Context, agentID, endpoint string, overrides heartbeat.PartialConfig) error {
	if s.checker != nil && !s.checker.Supports(endpoint) {
		return fmt.Errorf("%w: %s", ErrUnsupportedEndpoint, endpoint)
	}
	if err := s.monitor.StartMonitoringWithConfig(agentID, endpoint, overrides); err != nil {
		return err
	}
	if s.registry == nil {
		return nil
	}

	reg := &storage.Registration{AgentID: agentID, Endpoint: endpoint, Overrides: overrides}
	if existing, err := s.registry.Get(ctx, agentID); err == nil {
		reg.CreatedAt = existing.CreatedAt
	}
	if err := s.registry.Save(ctx, reg); err != nil {
		return fmt.Errorf("agent %s is monitored but not persisted: %w", agentID, err)
	}
	return nil
}

// Unregister stops monitoring an agent and forgets its registration
func (s *AgentService) Unregister(ctx context.Context, agentID string) error {
	if err := s.monitor.StopMonitoring(agentID); err != nil {
		return err
	}
	if s.registry == nil {
		return nil
	}
	if err := s.registry.Delete(ctx, agentID); err != nil && !errors.Is(err, storage.ErrRegistrationNotFound) {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	return nil
}

// Reconfigure applies overrides to a monitored agent and persists the combined overrides
func (s *AgentService) Reconfigure(ctx context.Context, agentID string, overrides heartbeat.PartialConfig) error {
	if err := s.monitor.UpdateConfig(agentID, overrides); err != nil {
		return err
	}
	if s.registry == nil {
		return nil
	}

	reg, err := s.registry.Get(ctx, agentID)
	if err != nil {
		if !errors.Is(err, storage.ErrRegistrationNotFound) {
			return fmt.Errorf("failed to load registration: %w", err)
		}
		status, statusErr := s.monitor.GetStatus(agentID)
		if statusErr != nil {
			return statusErr
		}
		reg = &storage.Registration{AgentID: agentID, Endpoint: status.Endpoint}
	}
	reg.Overrides = reg.Overrides.With(overrides)
	if err := s.registry.Save(ctx, reg); err != nil {
		return fmt.Errorf("failed to save registration: %w", err)
	}
	return nil
}

// Heartbeat forces an out-of-band heartbeat
func (s *AgentService) Heartbeat(ctx context.Context, agentID string) (model.AgentStatus, error) {
	return s.monitor.ForceHeartbeat(ctx, agentID)
}

// Restore starts monitoring every persisted registration and returns how many were started
func (s *AgentService) Restore(ctx context.Context) (int, error) {
	if s.registry == nil {
		return 0, nil
	}

	registrations, err := s.registry.List(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, reg := range registrations {
		if err := s.monitor.StartMonitoringWithConfig(reg.AgentID, reg.Endpoint, reg.Overrides); err != nil {
			s.logger.Error("Failed to restore agent",
				zap.String("agent_id", reg.AgentID),
				zap.Error(err))
			continue
		}
		started++
	}

	s.logger.Info("Registrations restored",
		zap.Int("restored", started),
		zap.Int("total", len(registrations)))
	return started, nil
}

// Apply registers every inventory agent. Agents already monitored are restarted with the inventory settings.
func (s *AgentService) Apply(ctx context.Context, inv *inventory.Inventory) error {
	var errs []error
	for _, agent := range inv.Agents {
		if err := s.Register(ctx, agent.ID, agent.Endpoint, agent.Heartbeat); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", agent.ID, err))
		}
	}
	return errors.Join(errs...)
}
