package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
)

// ContainerInspector is the part of the Docker API the transport needs
type ContainerInspector interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
}

// DockerTransport treats a running container as alive unless its health check reports otherwise.
// Endpoints have the form docker://<container name or id>.
type DockerTransport struct {
	logger *zap.Logger
	docker ContainerInspector
}

// NewDockerTransport creates a transport backed by the Docker daemon from the environment
func NewDockerTransport(logger *zap.Logger) (*DockerTransport, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return NewDockerTransportWithClient(docker, logger), nil
}

// NewDockerTransportWithClient creates a transport on an existing inspector
func NewDockerTransportWithClient(docker ContainerInspector, logger *zap.Logger) *DockerTransport {
	return &DockerTransport{
		logger: logger.Named("docker-transport"),
		docker: docker,
	}
}

// Send inspects the container
func (d *DockerTransport) Send(ctx context.Context, endpoint string) (*heartbeat.Response, error) {
	name := strings.TrimPrefix(endpoint, "docker://")
	if name == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidEndpoint, endpoint)
	}

	info, err := d.docker.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil, fmt.Errorf("container %s has no state", name)
	}

	state := info.State
	if !state.Running || state.Paused {
		return nil, fmt.Errorf("%w: container %s is %s", ErrUnhealthy, name, state.Status)
	}

	data := map[string]interface{}{
		"container_id": info.ID,
		"state":        state.Status,
		"restarts":     info.RestartCount,
	}
	if state.Health != nil {
		data["health"] = state.Health.Status
		if state.Health.Status == "unhealthy" {
			return nil, fmt.Errorf("%w: container %s health check failing (streak %d)",
				ErrUnhealthy, name, state.Health.FailingStreak)
		}
	}
	return &heartbeat.Response{Data: data}, nil
}
